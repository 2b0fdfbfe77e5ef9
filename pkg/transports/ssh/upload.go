package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/p4converge/pkg/hostexec"
)

// Upload writes content to remotePath with mode. The content is written to a
// temporary file in the same directory and renamed into place, so readers
// never observe a partial file. The parent directory must exist.
//
// Logins that need sudo cannot write through SFTP; for them the content is
// piped through "tee" instead.
func (c *Client) Upload(ctx context.Context, remotePath string, content []byte, mode os.FileMode) error {
	if c.config.Sudo {
		cmd := hostexec.NewCommand("tee", "--", remotePath).WithStdin(content)
		if _, err := hostexec.RunChecked(ctx, c, cmd); err != nil {
			return &TransportError{Op: "upload", Err: err}
		}
		chmod := hostexec.NewCommand("chmod", fmt.Sprintf("%04o", mode.Perm()), "--", remotePath)
		if _, err := hostexec.RunChecked(ctx, c, chmod); err != nil {
			return &TransportError{Op: "upload", Err: err}
		}
		return nil
	}

	start := time.Now()
	client, err := c.sshClient()
	if err != nil {
		return err
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return &TransportError{Op: "sftp-init", Err: fmt.Errorf("failed to create SFTP client: %w", err), IsTemporary: true}
	}
	defer sftpClient.Close()

	tmp := path.Join(path.Dir(remotePath), "."+path.Base(remotePath)+".p4converge")
	if err := writeRemote(ctx, sftpClient, tmp, content, mode); err != nil {
		_ = sftpClient.Remove(tmp)
		return &TransportError{Op: "upload", Err: err}
	}
	if err := sftpClient.PosixRename(tmp, remotePath); err != nil {
		_ = sftpClient.Remove(tmp)
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to rename into %s: %w", remotePath, err)}
	}

	log.Debug().
		Str("remote", remotePath).
		Int("bytes", len(content)).
		Dur("duration", time.Since(start)).
		Msg("file uploaded")
	return nil
}

func writeRemote(ctx context.Context, client *sftp.Client, name string, content []byte, mode os.FileMode) error {
	f, err := client.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	if _, err := copyWithContext(ctx, f, bytes.NewReader(content)); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := client.Chmod(name, mode.Perm()); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", name, err)
	}
	return nil
}

// copyWithContext copies in chunks and stops between chunks once ctx is done.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
