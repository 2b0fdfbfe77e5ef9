package ssh

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	temporary := &TransportError{Op: "connect", Err: errors.New("connection refused"), IsTemporary: true}
	auth := &TransportError{Op: "handshake", Err: errors.New("unable to authenticate"), IsAuthError: true}

	tests := []struct {
		name      string
		failures  []error
		attempts  int
		wantCalls int
		wantErr   error
	}{
		{name: "first try", attempts: 3, wantCalls: 1},
		{name: "recovers", failures: []error{temporary, temporary}, attempts: 3, wantCalls: 3},
		{name: "gives up", failures: []error{temporary, temporary, temporary}, attempts: 3, wantCalls: 3, wantErr: temporary},
		{name: "permanent stops", failures: []error{auth}, attempts: 3, wantCalls: 1, wantErr: auth},
		{name: "wrapped temporary", failures: []error{errors.Join(errors.New("dial"), temporary)}, attempts: 2, wantCalls: 2},
		{name: "zero attempts runs once", failures: []error{temporary}, attempts: 0, wantCalls: 1, wantErr: temporary},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := retry(context.Background(), tt.attempts, time.Millisecond, func() error {
				calls++
				if calls <= len(tt.failures) {
					return tt.failures[calls-1]
				}
				return nil
			})
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("retry() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retry(ctx, 5, time.Hour, func() error {
		calls++
		cancel()
		return &TransportError{Op: "connect", Err: errors.New("refused"), IsTemporary: true}
	})
	if !errors.Is(err, context.Canceled) || calls != 1 {
		t.Errorf("retry() = %v after %d calls, want cancellation after 1", err, calls)
	}
}

func TestDialRetry_RefusedIsTemporary(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	host, port, _ := net.SplitHostPort(l.Addr().String())
	_ = l.Close()

	cfg := DefaultConfig(host, "testuser")
	cfg.Port, _ = strconv.Atoi(port)
	cfg.AuthMethod = AuthMethodPassword
	cfg.Password = "secret"
	cfg.StrictHostKeyChecking = false
	cfg.ConnectionTimeout = time.Second

	_, err = DialRetry(context.Background(), cfg, 2, time.Millisecond)
	if !IsTemporary(err) {
		t.Fatalf("DialRetry() error = %v, want temporary TransportError", err)
	}
	if IsTemporary(errors.New("plain")) {
		t.Error("IsTemporary(plain error) = true")
	}
}
