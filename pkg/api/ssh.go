package api

import (
	"fmt"

	"github.com/cuemby/drillmaster/pkg/health"
	"github.com/cuemby/drillmaster/pkg/payload"
	"github.com/cuemby/drillmaster/pkg/types"
)

const defaultSSHPort = 22

// droneTarget builds the SSH connection/auth info for d from its
// admin-owned config, decrypting whichever credential is on file.
func (s *Server) droneTarget(d *types.Drone) (payload.DroneTarget, error) {
	cfg, err := s.store.GetDroneConfig(d.ID)
	if err != nil {
		return payload.DroneTarget{}, fmt.Errorf("no ssh config on file for drone %s: %w", d.ID, err)
	}

	var keyPEM []byte
	if len(cfg.SSHKeyEncrypted) > 0 {
		keyPEM, err = s.secrets.GetDroneSSHKey(cfg)
		if err != nil {
			return payload.DroneTarget{}, fmt.Errorf("decrypt ssh key for drone %s: %w", d.ID, err)
		}
	}
	var password string
	if len(cfg.SSHPassEncrypted) > 0 {
		password, err = s.secrets.GetDroneSSHPassword(cfg)
		if err != nil {
			return payload.DroneTarget{}, fmt.Errorf("decrypt ssh password for drone %s: %w", d.ID, err)
		}
	}

	auth, err := health.SSHAuthFromConfig(keyPEM, password)
	if err != nil {
		return payload.DroneTarget{}, fmt.Errorf("drone %s: %w", d.ID, err)
	}

	port := cfg.SSHPort
	if port == 0 {
		port = defaultSSHPort
	}
	user := cfg.SSHUser
	if user == "" {
		user = "root"
	}

	return payload.DroneTarget{
		ID:   d.ID,
		Addr: fmt.Sprintf("%s:%d", d.Address, port),
		User: user,
		Auth: auth,
	}, nil
}

// sshChecker builds an on-demand health.Checker for an admin-triggered
// ping, bypassing the regular probe-loop cadence in pkg/health.
func (s *Server) sshChecker(d *types.Drone) (*health.SSHChecker, error) {
	target, err := s.droneTarget(d)
	if err != nil {
		return nil, err
	}
	return health.NewSSHChecker(target.Addr, target.User, target.Auth), nil
}
