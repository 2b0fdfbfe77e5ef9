// Package ssh runs host commands on a single remote machine over SSH and
// writes file content over SFTP. Client implements hostexec.Runner, so the
// platform adapters drive a remote host exactly as they drive the local one.
package ssh

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the operation may succeed.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// IsTemporary reports whether err wraps a TransportError that may succeed on
// retry.
func IsTemporary(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Temporary()
}

// DialRetry dials like Dial, trying again while the failure is temporary.
// The wait doubles after each failed attempt; ctx bounds the whole sequence.
func DialRetry(ctx context.Context, config *Config, attempts int, wait time.Duration) (*Client, error) {
	var c *Client
	err := retry(ctx, attempts, wait, func() error {
		var err error
		c, err = Dial(ctx, config)
		return err
	})
	return c, err
}

func retry(ctx context.Context, attempts int, wait time.Duration, op func() error) error {
	var err error
	for attempt := 0; attempt < max(attempts, 1); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait << (attempt - 1)):
			}
		}
		if err = op(); err == nil || !IsTemporary(err) {
			return err
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("temporary transport failure")
	}
	return err
}
