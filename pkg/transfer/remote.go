// Package transfer exchanges batch files with the remote ERP peer using the
// sentinel-file handshake protocol over an SFTP connection.
package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/cisync/cisync/pkg/errors"
)

// RemoteFS is the file-transfer surface the handshake protocol needs. The
// production implementation speaks SFTP; tests substitute a fake.
type RemoteFS interface {
	// List returns the file names directly under dir.
	List(ctx context.Context, dir string) ([]string, error)
	// Upload copies a local file to the remote path.
	Upload(ctx context.Context, localPath, remotePath string) error
	// Download copies a remote file to the local path.
	Download(ctx context.Context, remotePath, localPath string) error
	// Delete removes a remote file.
	Delete(ctx context.Context, remotePath string) error
	// Exists reports whether a remote file is present.
	Exists(ctx context.Context, remotePath string) (bool, error)
	// Close releases the connection.
	Close() error
}

// SFTPConfig holds the connection parameters for the remote peer.
type SFTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Timeout  time.Duration
}

// sftpFS implements RemoteFS over pkg/sftp.
type sftpFS struct {
	sshClient  *ssh.Client
	sftpClient *sftp.Client
}

// DialSFTP connects to the remote peer.
func DialSFTP(cfg SFTPConfig) (RemoteFS, error) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	sshConfig := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.Password(cfg.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // Peer host keys are not distributed with tenant configs
		Timeout:         cfg.Timeout,
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	sshClient, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "ssh dial failed").
			WithDetail("addr", addr)
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "sftp session failed")
	}

	return &sftpFS{sshClient: sshClient, sftpClient: sftpClient}, nil
}

func (s *sftpFS) List(ctx context.Context, dir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := s.sftpClient.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "remote list failed").
			WithDetail("dir", dir)
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if !info.IsDir() {
			names = append(names, info.Name())
		}
	}
	return names, nil
}

func (s *sftpFS) Upload(ctx context.Context, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to open local file").
			WithDetail("path", localPath)
	}
	defer func() { _ = src.Close() }()

	dst, err := s.sftpClient.Create(remotePath)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create remote file").
			WithDetail("path", remotePath)
	}

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return errors.Wrap(err, errors.ErrorTypeConnection, "upload failed").
			WithDetail("path", remotePath)
	}
	if err := dst.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to close remote file")
	}
	return nil
}

func (s *sftpFS) Download(ctx context.Context, remotePath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := s.sftpClient.Open(remotePath)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to open remote file").
			WithDetail("path", remotePath)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(localPath)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create local file").
			WithDetail("path", localPath)
	}

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return errors.Wrap(err, errors.ErrorTypeConnection, "download failed").
			WithDetail("path", remotePath)
	}
	if err := dst.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to close local file")
	}
	return nil
}

func (s *sftpFS) Delete(ctx context.Context, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.sftpClient.Remove(remotePath); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "remote delete failed").
			WithDetail("path", remotePath)
	}
	return nil
}

func (s *sftpFS) Exists(ctx context.Context, remotePath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := s.sftpClient.Stat(remotePath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrap(err, errors.ErrorTypeConnection, "remote stat failed").
		WithDetail("path", remotePath)
}

func (s *sftpFS) Close() error {
	sftpErr := s.sftpClient.Close()
	sshErr := s.sshClient.Close()
	if sftpErr != nil {
		return sftpErr
	}
	return sshErr
}

// remoteJoin joins remote path elements with forward slashes regardless of
// the local OS.
func remoteJoin(elem ...string) string {
	return path.Join(elem...)
}
