package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
)

// WriteFile uploads data to remotePath over SFTP.
func (c *Client) WriteFile(ctx context.Context, remotePath string, data []byte, mode uint32) error {
	client, err := c.sftpClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	f, err := client.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return &TransportError{Op: "upload", Err: err, IsTemporary: true}
	}
	if err := f.Chmod(os.FileMode(mode)); err != nil {
		return &TransportError{Op: "chmod", Err: err}
	}

	c.logger.Debug().Str("remote", remotePath).Int("bytes", len(data)).Msg("File uploaded")
	return nil
}

// ReadFile downloads remotePath over SFTP. A missing file returns an error
// matching os.ErrNotExist.
func (c *Client) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	client, err := c.sftpClient(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	f, err := client.Open(remotePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", remotePath, os.ErrNotExist)
		}
		return nil, &TransportError{Op: "download", Err: err, IsTemporary: true}
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, &TransportError{Op: "download", Err: err, IsTemporary: true}
	}
	return data, nil
}

func (c *Client) sftpClient(ctx context.Context) (*sftp.Client, error) {
	conn, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		return nil, &TransportError{Op: "sftp-init", Err: fmt.Errorf("failed to create SFTP client: %w", err), IsTemporary: true}
	}
	return client, nil
}

// Glob returns the remote paths matching pattern.
func (c *Client) Glob(ctx context.Context, pattern string) ([]string, error) {
	client, err := c.sftpClient(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	matches, err := client.Glob(pattern)
	if err != nil {
		return nil, &TransportError{Op: "glob", Err: err}
	}
	return matches, nil
}
