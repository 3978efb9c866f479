package main

import (
	"fmt"
	"time"

	"github.com/cuemby/drillmaster/pkg/health"
	"github.com/cuemby/drillmaster/pkg/security"
	"github.com/cuemby/drillmaster/pkg/store"
	"github.com/cuemby/drillmaster/pkg/types"
	"golang.org/x/crypto/ssh"
)

const (
	defaultSSHPort = 22
	sshExecTimeout = 20 * time.Second
)

// sshRunCommand opens a one-off SSH session to d and runs command,
// the self-healing monitor's escalation actions (restart/kill/reboot).
// It builds its own connection rather than going through pkg/api's
// droneTarget helper, since cmd/drillmaster wires selfheal.Monitor
// directly off the store and secrets manager, ahead of the HTTP layer.
func sshRunCommand(st store.Store, secrets *security.SecretsManager, d *types.Drone, command string) error {
	cfg, err := st.GetDroneConfig(d.ID)
	if err != nil {
		return fmt.Errorf("no ssh config on file for drone %s: %w", d.ID, err)
	}

	var keyPEM []byte
	if len(cfg.SSHKeyEncrypted) > 0 {
		if keyPEM, err = secrets.GetDroneSSHKey(cfg); err != nil {
			return fmt.Errorf("decrypt ssh key for drone %s: %w", d.ID, err)
		}
	}
	var password string
	if len(cfg.SSHPassEncrypted) > 0 {
		if password, err = secrets.GetDroneSSHPassword(cfg); err != nil {
			return fmt.Errorf("decrypt ssh password for drone %s: %w", d.ID, err)
		}
	}

	auth, err := health.SSHAuthFromConfig(keyPEM, password)
	if err != nil {
		return fmt.Errorf("drone %s: %w", d.ID, err)
	}

	port := cfg.SSHPort
	if port == 0 {
		port = defaultSSHPort
	}
	user := cfg.SSHUser
	if user == "" {
		user = "root"
	}

	clientCfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // drones are bootstrapped, not public-facing
		Timeout:         sshExecTimeout,
	}

	client, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", d.Address, port), clientCfg)
	if err != nil {
		return fmt.Errorf("ssh dial drone %s: %w", d.ID, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("ssh session drone %s: %w", d.ID, err)
	}
	defer session.Close()

	if err := session.Run(command); err != nil {
		return fmt.Errorf("run %q on drone %s: %w", command, d.ID, err)
	}
	return nil
}
