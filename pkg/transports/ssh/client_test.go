package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/p4converge/pkg/hostexec"
)

// testSSHServer is a minimal SSH server that runs exec requests with the
// local sh and serves the sftp subsystem from the local filesystem.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}
	commands chan string
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		t.Fatal(err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	s := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
		commands: make(chan string, 64),
	}
	go s.serve()
	t.Cleanup(s.close)
	return s
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				return
			}
			_ = req.Reply(true, nil)
			s.commands <- payload.Command

			cmd := exec.Command("sh", "-c", payload.Command)
			cmd.Stdin = channel
			cmd.Stdout = channel
			cmd.Stderr = channel.Stderr()
			status := 0
			if err := cmd.Run(); err != nil {
				var exitErr *exec.ExitError
				if !errors.As(err, &exitErr) {
					status = 255
				} else {
					status = exitErr.ExitCode()
				}
			}
			_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
			return

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			return

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *testSSHServer) close() {
	close(s.done)
	_ = s.listener.Close()
}

func (s *testSSHServer) dial(t *testing.T, modify ...func(*Config)) *Client {
	t.Helper()

	host, port, _ := net.SplitHostPort(s.addr)
	cfg := DefaultConfig(host, "testuser")
	cfg.Port, _ = strconv.Atoi(port)
	cfg.AuthMethod = AuthMethodPassword
	cfg.Password = "testpass"
	cfg.StrictHostKeyChecking = false
	cfg.KeepAliveInterval = 0
	cfg.CommandTimeout = 10 * time.Second
	for _, m := range modify {
		m(cfg)
	}

	client, err := Dial(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestDial_AuthFailure(t *testing.T) {
	server := newTestSSHServer(t)
	host, port, _ := net.SplitHostPort(server.addr)

	cfg := DefaultConfig(host, "testuser")
	cfg.Port, _ = strconv.Atoi(port)
	cfg.AuthMethod = AuthMethodPassword
	cfg.Password = "wrong"
	cfg.StrictHostKeyChecking = false

	_, err := Dial(context.Background(), cfg)
	var terr *TransportError
	if !errors.As(err, &terr) || !terr.IsAuthError {
		t.Fatalf("Dial() error = %v, want auth TransportError", err)
	}
}

func TestDial_KeyAuth(t *testing.T) {
	server := newTestSSHServer(t)
	keyPath := writeTestKey(t)

	client := server.dial(t, func(c *Config) {
		c.AuthMethod = AuthMethodKey
		c.PrivateKeyPath = keyPath
		c.Password = ""
	})
	res, err := client.Run(context.Background(), hostexec.NewCommand("true"))
	if err != nil || !res.Success() {
		t.Fatalf("Run(true) = %+v, %v", res, err)
	}
}

func TestClient_Run(t *testing.T) {
	server := newTestSSHServer(t)
	client := server.dial(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		cmd      hostexec.Command
		output   string
		exitCode int
	}{
		{name: "echo", cmd: hostexec.NewCommand("echo", "test"), output: "test"},
		{name: "quoted argument", cmd: hostexec.NewCommand("printf", "%s", "it's a $HOME test"), output: "it's a $HOME test"},
		{name: "exit status", cmd: hostexec.NewCommand("sh", "-c", "echo boom >&2; exit 3"), output: "boom", exitCode: 3},
		{name: "stdin", cmd: hostexec.NewCommand("cat").WithStdin([]byte("from stdin\n")), output: "from stdin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := client.Run(ctx, tt.cmd)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if res.Text() != tt.output || res.ExitCode != tt.exitCode {
				t.Errorf("Run() = %q exit %d, want %q exit %d", res.Text(), res.ExitCode, tt.output, tt.exitCode)
			}
		})
	}
}

func TestClient_RunTimeout(t *testing.T) {
	server := newTestSSHServer(t)
	client := server.dial(t)

	_, err := client.Run(context.Background(), hostexec.NewCommand("sleep", "5").WithTimeout(100*time.Millisecond))
	if !errors.Is(err, hostexec.ErrTimeout) {
		t.Fatalf("Run() error = %v, want ErrTimeout", err)
	}
}

func TestClient_Sudo(t *testing.T) {
	server := newTestSSHServer(t)
	client := server.dial(t, func(c *Config) { c.Sudo = true })

	// The command may fail without sudo on the test machine; only the line
	// sent to the server matters.
	_, _ = client.Run(context.Background(), hostexec.NewCommand("id", "-u"))
	select {
	case got := <-server.commands:
		if got != "sudo -n -- id -u" {
			t.Errorf("remote command = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no command received")
	}
}

func TestClient_LookPath(t *testing.T) {
	server := newTestSSHServer(t)
	client := server.dial(t)
	ctx := context.Background()

	path, err := client.LookPath(ctx, "sh")
	if err != nil {
		t.Fatalf("LookPath(sh) error = %v", err)
	}
	if !strings.HasSuffix(path, "/sh") {
		t.Errorf("LookPath(sh) = %q", path)
	}

	if _, err := client.LookPath(ctx, "p4-definitely-missing"); !errors.Is(err, hostexec.ErrNotFound) {
		t.Errorf("LookPath(missing) error = %v, want ErrNotFound", err)
	}
}

func TestClient_Upload(t *testing.T) {
	server := newTestSSHServer(t)
	client := server.dial(t)
	ctx := context.Background()

	target := filepath.Join(t.TempDir(), "p4_1.vars")
	if err := os.WriteFile(target, []byte("old"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := client.Upload(ctx, target, []byte("export P4ROOT=/p4/1/root\n"), 0o644); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "export P4ROOT=/p4/1/root\n" {
		t.Errorf("content = %q", data)
	}
	info, err := os.Stat(target)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Errorf("mode = %o", info.Mode().Perm())
	}
	if entries, _ := os.ReadDir(filepath.Dir(target)); len(entries) != 1 {
		t.Errorf("temporary file left behind: %v", entries)
	}
}

func TestClient_UploadMissingParent(t *testing.T) {
	server := newTestSSHServer(t)
	client := server.dial(t)

	err := client.Upload(context.Background(), filepath.Join(t.TempDir(), "missing", "file"), []byte("x"), 0o644)
	if err == nil {
		t.Fatal("expected error when the parent directory is missing")
	}
}

func TestClient_Closed(t *testing.T) {
	server := newTestSSHServer(t)
	client := server.dial(t)

	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := client.Run(context.Background(), hostexec.NewCommand("true")); err == nil {
		t.Error("Run() after Close() should fail")
	}
}
