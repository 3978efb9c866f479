package health

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"
)

// ProbeCommand is run on the drone by SSHChecker. It reports 1-minute
// load average, free disk on the build root, and whether the drone
// worker process indicator is present, one per line.
const ProbeCommand = `sh -c 'uptime; df -P /var/tmp 2>/dev/null | tail -1; pgrep -f drillmaster-agent >/dev/null && echo agent-running || echo agent-missing'`

// SSHChecker performs an SSH-based liveness probe against a drone: it
// verifies the SSH port accepts TCP connections, then runs ProbeCommand
// and reports the outcome: run a command, inspect exit status and
// output, the same shape as a local/in-container exec check but
// re-targeted at a remote host.
type SSHChecker struct {
	Addr string // host:port
	User string
	Auth ssh.AuthMethod

	// Timeout bounds the TCP pre-check and the SSH connection setup,
	// each separately. Command execution is bounded only by the ctx
	// passed to Check.
	Timeout time.Duration

	dial func(network, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error)
}

// NewSSHChecker creates an SSH probe against addr, authenticating as user.
func NewSSHChecker(addr, user string, auth ssh.AuthMethod) *SSHChecker {
	return &SSHChecker{
		Addr:    addr,
		User:    user,
		Auth:    auth,
		Timeout: 10 * time.Second,
		dial:    ssh.Dial,
	}
}

// Check performs a TCP reachability pre-check, then the full SSH probe.
func (c *SSHChecker) Check(ctx context.Context) Result {
	start := time.Now()

	tcp := NewTCPChecker(c.Addr).WithTimeout(c.Timeout)
	if pre := tcp.Check(ctx); !pre.Healthy {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("ssh port unreachable: %s", pre.Message),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	clientCfg := &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{c.Auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // drones are bootstrapped, not public-facing
		Timeout:         c.Timeout,
	}

	client, err := c.dial("tcp", c.Addr, clientCfg)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("ssh dial failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("ssh session failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(ProbeCommand) }()

	select {
	case err := <-done:
		if err != nil {
			return Result{
				Healthy:   false,
				Message:   fmt.Sprintf("probe command failed: %v, stderr: %s", err, stderr.String()),
				CheckedAt: start,
				Duration:  time.Since(start),
			}
		}
	case <-ctx.Done():
		return Result{
			Healthy:   false,
			Message:   "probe command timed out",
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	output := stdout.String()
	if bytes.Contains(stdout.Bytes(), []byte("agent-missing")) {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("drone agent not running: %s", output),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	return Result{
		Healthy:   true,
		Message:   output,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type.
func (c *SSHChecker) Type() CheckType {
	return CheckTypeSSH
}
