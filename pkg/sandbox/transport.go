package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Result carries the output of one remote command invocation. ExitCode is
// the remote command's exit status; a non-zero code is not an error at this
// layer.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Transport runs commands on the remote engine host. Implementations must
// be safe for concurrent use.
type Transport interface {
	Run(ctx context.Context, command string, timeout time.Duration) (Result, error)
	Close() error
}

// SSHTransport executes commands over a persistent SSH connection to the
// engine host. The connection is established lazily and re-dialed after a
// failure.
type SSHTransport struct {
	addr   string
	config *ssh.ClientConfig

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHTransport builds a transport for user@host authenticated with the
// given PEM-encoded private key. host may carry an explicit port; it
// defaults to 22. No connection is made until the first Run.
func NewSSHTransport(host, user, privateKeyPEM string) (*SSHTransport, error) {
	signer, err := ssh.ParsePrivateKey([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse ssh private key: %w", err)
	}

	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, "22")
	}

	return &SSHTransport{
		addr: addr,
		config: &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         10 * time.Second,
		},
	}, nil
}

// Run executes command on the remote host with its own timeout. The error
// is non-nil only for transport-level failures (dial, session, timeout);
// remote non-zero exits are reported through Result.ExitCode.
func (t *SSHTransport) Run(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	client, err := t.getClient()
	if err != nil {
		return Result{}, &TransportError{Category: CategorySSHFailed, Op: "dial", Err: err}
	}

	session, err := client.NewSession()
	if err != nil {
		// The connection may have died since the last call; re-dial once.
		t.dropClient(client)
		client, err = t.getClient()
		if err != nil {
			return Result{}, &TransportError{Category: CategorySSHFailed, Op: "dial", Err: err}
		}
		session, err = client.NewSession()
		if err != nil {
			return Result{}, &TransportError{Category: CategorySSHFailed, Op: "session", Err: err}
		}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(command); err != nil {
		return Result{}, &TransportError{Category: CategorySSHFailed, Op: "start", Err: err}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-runCtx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		category := CategoryTimeout
		if ctx.Err() != nil {
			category = CategorySSHFailed
		}
		return Result{}, &TransportError{Category: category, Op: "exec", Err: runCtx.Err()}
	case err := <-done:
		res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				res.ExitCode = exitErr.ExitStatus()
				return res, nil
			}
			return res, &TransportError{Category: CategorySSHFailed, Op: "exec", Output: stderr.String(), Err: err}
		}
		return res, nil
	}
}

// Close tears down the underlying connection.
func (t *SSHTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

func (t *SSHTransport) getClient() (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return t.client, nil
	}
	client, err := ssh.Dial("tcp", t.addr, t.config)
	if err != nil {
		return nil, err
	}
	t.client = client
	return client, nil
}

// dropClient discards a connection believed dead, unless a newer one has
// already replaced it.
func (t *SSHTransport) dropClient(client *ssh.Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == client {
		_ = t.client.Close()
		t.client = nil
	}
}
