package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/p4converge/pkg/hostexec"
)

// Client is a connection to one remote host. It implements hostexec.Runner
// and platform.Uploader.
type Client struct {
	config *Config

	mu     sync.RWMutex
	client *ssh.Client
	done   chan struct{}
}

var _ hostexec.Runner = (*Client)(nil)

// Dial validates config and connects to the remote host.
func Dial(ctx context.Context, config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	clientConfig, err := config.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	dialer := net.Dialer{Timeout: config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	// The handshake is not context aware; bound it with a deadline instead.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(config.ConnectionTimeout))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, &TransportError{Op: "handshake", Err: err, IsAuthError: isAuthError(err)}
	}
	_ = conn.SetDeadline(time.Time{})

	c := &Client{
		config: config,
		client: ssh.NewClient(sshConn, chans, reqs),
		done:   make(chan struct{}),
	}
	if config.KeepAliveInterval > 0 {
		go c.keepAlive()
	}

	log.Info().Str("address", address).Str("user", config.User).Msg("SSH connection established")
	return c, nil
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	close(c.done)
	err := c.client.Close()
	c.client = nil
	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// Target returns user@host:port.
func (c *Client) Target() string {
	return c.config.User + "@" + c.config.Address()
}

// LookPath resolves name with the remote shell's "command -v".
func (c *Client) LookPath(ctx context.Context, name string) (string, error) {
	res, err := c.exec(ctx, "command -v "+shellquote.Join(name), nil, c.config.CommandTimeout)
	if err != nil {
		return "", err
	}
	if !res.Success() || res.Text() == "" {
		return "", fmt.Errorf("%s: %w", name, hostexec.ErrNotFound)
	}
	return res.Text(), nil
}

// Run executes cmd remotely. Arguments are shell quoted, so the remote login
// shell sees exactly the argument vector of cmd.
func (c *Client) Run(ctx context.Context, cmd hostexec.Command) (hostexec.Result, error) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = c.config.CommandTimeout
	}
	if timeout <= 0 {
		timeout = hostexec.DefaultTimeout
	}

	res, err := c.exec(ctx, c.commandLine(cmd), cmd.Stdin, timeout)
	if errors.Is(err, hostexec.ErrTimeout) {
		return res, fmt.Errorf("%s after %s: %w", cmd.String(), timeout, hostexec.ErrTimeout)
	}
	return res, err
}

func (c *Client) commandLine(cmd hostexec.Command) string {
	line := shellquote.Join(append([]string{cmd.Name}, cmd.Args...)...)
	if c.config.Sudo {
		return "sudo -n -- " + line
	}
	return line
}

func (c *Client) exec(ctx context.Context, line string, stdin []byte, timeout time.Duration) (hostexec.Result, error) {
	client, err := c.sshClient()
	if err != nil {
		return hostexec.Result{}, err
	}

	session, err := client.NewSession()
	if err != nil {
		return hostexec.Result{}, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	var out syncBuffer
	session.Stdout = &out
	session.Stderr = &out
	if stdin != nil {
		session.Stdin = bytes.NewReader(stdin)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(line) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-runCtx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		res := hostexec.Result{Output: out.Bytes(), ExitCode: -1, Duration: time.Since(start)}
		if ctx.Err() == nil {
			return res, hostexec.ErrTimeout
		}
		return res, ctx.Err()
	}

	res := hostexec.Result{Output: out.Bytes(), Duration: time.Since(start)}
	log.Debug().Str("command", line).Dur("duration", res.Duration).Err(runErr).Msg("remote command completed")

	var exitErr *ssh.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
	default:
		return res, &TransportError{Op: "exec", Err: runErr, IsTemporary: true}
	}
	return res, nil
}

func (c *Client) sshClient() (*ssh.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil {
		return nil, &TransportError{Op: "exec", Err: fmt.Errorf("not connected")}
	}
	return c.client, nil
}

func (c *Client) keepAlive() {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		client, err := c.sshClient()
		if err != nil {
			return
		}
		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			log.Warn().Err(err).Int("retries", retries).Msg("keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				log.Error().Str("host", c.config.Host).Msg("keep-alive failed too many times, closing connection")
				_ = c.Close()
				return
			}
			continue
		}
		retries = 0
	}
}

func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// syncBuffer merges stdout and stderr, which the session copies from
// separate goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
