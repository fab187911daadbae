package ssh

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/pkg/sftp"
)

// sftpClient returns the SFTP client shared by all transfers on this
// connection, opening it on first use.
func (c *SSHClient) sftpClient(op string) (*sftp.Client, error) {
	client, err := c.getClient(op)
	if err != nil {
		return nil, err
	}

	c.sftpMu.Lock()
	defer c.sftpMu.Unlock()
	if c.sftp != nil {
		return c.sftp, nil
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, &TransportError{
			Op:          op,
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	c.sftp = sc
	return sc, nil
}

// UploadFile uploads a single file to the remote host via SFTP.
func (c *SSHClient) UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) error {
	local, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer local.Close()

	n, err := c.writeRemote(ctx, "upload", remotePath, local, mode)
	if err != nil {
		return err
	}
	c.logger.Debug().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", n).
		Msg("File uploaded")
	return nil
}

// WriteFile writes data to remotePath.
func (c *SSHClient) WriteFile(ctx context.Context, remotePath string, data []byte, mode uint32) error {
	_, err := c.writeRemote(ctx, "write", remotePath, bytes.NewReader(data), mode)
	return err
}

func (c *SSHClient) writeRemote(ctx context.Context, op, remotePath string, src io.Reader, mode uint32) (int64, error) {
	sc, err := c.sftpClient(op)
	if err != nil {
		return 0, err
	}
	if err := sc.MkdirAll(path.Dir(remotePath)); err != nil {
		return 0, &TransportError{Op: op, Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	remote, err := sc.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return 0, &TransportError{
			Op:          op,
			Err:         fmt.Errorf("failed to create remote file: %w", err),
			IsTemporary: true,
		}
	}
	n, err := copyWithContext(ctx, remote, src)
	if cerr := remote.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, &TransportError{Op: op, Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: true}
	}
	if mode != 0 {
		if err := sc.Chmod(remotePath, os.FileMode(mode)); err != nil {
			return n, &TransportError{Op: op, Err: fmt.Errorf("failed to set permissions: %w", err)}
		}
	}
	return n, nil
}

// ReadFile returns the contents of a remote file.
func (c *SSHClient) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	sc, err := c.sftpClient("read")
	if err != nil {
		return nil, err
	}
	remote, err := sc.Open(remotePath)
	if err != nil {
		return nil, &TransportError{Op: "read", Err: err}
	}
	defer remote.Close()

	var buf bytes.Buffer
	if _, err := copyWithContext(ctx, &buf, remote); err != nil {
		return nil, &TransportError{Op: "read", Err: err, IsTemporary: true}
	}
	return buf.Bytes(), nil
}

// DownloadFile copies a remote file to localPath.
func (c *SSHClient) DownloadFile(ctx context.Context, remotePath string, localPath string) error {
	sc, err := c.sftpClient("download")
	if err != nil {
		return err
	}
	remote, err := sc.Open(remotePath)
	if err != nil {
		return &TransportError{Op: "download", Err: err}
	}
	defer remote.Close()

	local, err := os.Create(localPath)
	if err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to create local file: %w", err)}
	}
	_, err = copyWithContext(ctx, local, remote)
	if cerr := local.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return &TransportError{Op: "download", Err: err, IsTemporary: true}
	}
	return nil
}

// Stat returns the size of a remote file.
func (c *SSHClient) Stat(_ context.Context, remotePath string) (int64, error) {
	sc, err := c.sftpClient("stat")
	if err != nil {
		return 0, err
	}
	info, err := sc.Stat(remotePath)
	if err != nil {
		return 0, &TransportError{Op: "stat", Err: err}
	}
	return info.Size(), nil
}

// RemoveAll deletes a remote path recursively. A missing path is not an
// error.
func (c *SSHClient) RemoveAll(ctx context.Context, remotePath string) error {
	sc, err := c.sftpClient("remove")
	if err != nil {
		return err
	}
	if err := removeAll(ctx, sc, remotePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &TransportError{Op: "remove", Err: err}
	}
	return nil
}

func removeAll(ctx context.Context, sc *sftp.Client, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := sc.Lstat(p)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return sc.Remove(p)
	}
	entries, err := sc.ReadDir(p)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := removeAll(ctx, sc, path.Join(p, e.Name())); err != nil {
			return err
		}
	}
	return sc.RemoveDirectory(p)
}

// ComputeChecksum returns the hex SHA256 of a remote file.
func (c *SSHClient) ComputeChecksum(ctx context.Context, remotePath string) (string, error) {
	sc, err := c.sftpClient("checksum")
	if err != nil {
		return "", err
	}
	remote, err := sc.Open(remotePath)
	if err != nil {
		return "", &TransportError{Op: "checksum", Err: err}
	}
	defer remote.Close()

	h := sha256.New()
	if _, err := copyWithContext(ctx, h, remote); err != nil {
		return "", &TransportError{Op: "checksum", Err: err, IsTemporary: true}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// LocalChecksum returns the hex SHA256 of a local file.
func LocalChecksum(localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// copyWithContext copies src to dst, checking for cancellation between
// chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
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
