package remote

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/apper-apps/magnavaultdrive/internal/models"
	"github.com/apper-apps/magnavaultdrive/internal/pathnorm"
)

const defaultSFTPPort = 22

type sftpSession struct {
	root   string
	ssh    *ssh.Client
	client *sftp.Client
}

// sshConfig builds the client config for password or key auth.
func sshConfig(cfg *models.RemoteServerConfig, timeout time.Duration) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	switch cfg.AuthMethod {
	case models.AuthKey:
		var (
			signer ssh.Signer
			err    error
		)
		if cfg.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(cfg.PrivateKey), []byte(cfg.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(cfg.PrivateKey))
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	default:
		auth = append(auth, ssh.Password(cfg.Password))
	}

	return &ssh.ClientConfig{
		User: cfg.Username,
		Auth: auth,
		// Server settings carry no known_hosts entry to verify against.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}, nil
}

func sftpAddr(cfg *models.RemoteServerConfig) string {
	port := cfg.Port
	if port == 0 {
		port = defaultSFTPPort
	}
	return net.JoinHostPort(cfg.Host, strconv.Itoa(port))
}

func dialSFTP(ctx context.Context, cfg *models.RemoteServerConfig, timeout time.Duration) (*sftpSession, error) {
	conf, err := sshConfig(cfg, timeout)
	if err != nil {
		return nil, err
	}

	addr := sftpAddr(cfg)
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// The handshake must finish within the connect timeout too.
	_ = conn.SetDeadline(time.Now().Add(timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, conf)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	sshClient := ssh.NewClient(c, chans, reqs)
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("start sftp subsystem: %w", err)
	}

	return &sftpSession{root: cfg.RootPath, ssh: sshClient, client: client}, nil
}

func (s *sftpSession) transport() string { return models.TransportSFTP }

func (s *sftpSession) remotePath(logical string) string {
	p := pathnorm.Join(s.root, logical)
	if p == "" {
		return "."
	}
	return p
}

func (s *sftpSession) read(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := s.client.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *sftpSession) write(ctx context.Context, p string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDir(p); err != nil {
		return err
	}
	f, err := s.client.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *sftpSession) remove(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.client.Remove(p)
}

// copy reads then writes; SFTP has no server-side copy.
func (s *sftpSession) copy(ctx context.Context, src, dst string) error {
	if err := s.refuseExisting(dst); err != nil {
		return err
	}
	data, err := s.read(ctx, src)
	if err != nil {
		return err
	}
	return s.write(ctx, dst, data)
}

func (s *sftpSession) rename(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.refuseExisting(dst); err != nil {
		return err
	}
	if err := s.ensureDir(dst); err != nil {
		return err
	}
	return s.client.Rename(src, dst)
}

func (s *sftpSession) list(ctx context.Context, dir string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := s.client.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	return entriesFromInfos(infos), nil
}

func (s *sftpSession) stat(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.client.Stat(s.remotePath(""))
	return err
}

func (s *sftpSession) close() error {
	err := s.client.Close()
	if cerr := s.ssh.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *sftpSession) refuseExisting(p string) error {
	if _, err := s.client.Stat(p); err == nil {
		return fmt.Errorf("%s: %w", p, os.ErrExist)
	}
	return nil
}

func (s *sftpSession) ensureDir(p string) error {
	dir := pathnorm.Dir(p)
	if dir == "" || dir == "/" || dir == "." {
		return nil
	}
	return s.client.MkdirAll(dir)
}
