package archive

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/hazyhaar/edfpipe/config"
)

// SFTPMirror writes files under RemoteDir on an SSH server. Each Put opens
// its own connection; mirroring happens a few times per job at most.
type SFTPMirror struct {
	name    string
	addr    string
	cfg     *ssh.ClientConfig
	baseDir string
	timeout time.Duration
}

// NewSFTPMirror prepares the SSH client configuration for t. It does not
// connect. Host keys are checked against t.KnownHosts when set.
func NewSFTPMirror(t config.ArchiveTarget) (*SFTPMirror, error) {
	if t.Host == "" || t.User == "" {
		return nil, fmt.Errorf("host and user required for sftp mirror")
	}
	var auths []ssh.AuthMethod
	if t.KeyPath != "" {
		key, err := os.ReadFile(t.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse key: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if t.Password != "" {
		auths = append(auths, ssh.Password(t.Password))
	}
	if len(auths) == 0 {
		return nil, fmt.Errorf("sftp mirror requires password or key_path")
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if t.KnownHosts != "" {
		cb, err := knownhosts.New(t.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("known_hosts: %w", err)
		}
		hostKey = cb
	} else {
		slog.Warn("archive: sftp host key not verified, set known_hosts", "host", t.Host)
	}

	addr := t.Host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}
	timeout := 10 * time.Second
	return &SFTPMirror{
		name: targetName(t),
		addr: addr,
		cfg: &ssh.ClientConfig{
			User:            t.User,
			Auth:            auths,
			HostKeyCallback: hostKey,
			Timeout:         timeout,
		},
		baseDir: t.RemoteDir,
		timeout: timeout,
	}, nil
}

func (m *SFTPMirror) Name() string { return m.name }

// Addr is the host:port dialled by Put.
func (m *SFTPMirror) Addr() string { return m.addr }

func (m *SFTPMirror) Put(ctx context.Context, key string, data []byte, _ string) error {
	sc, client, err := m.dial(ctx)
	if err != nil {
		return err
	}
	defer sc.Close()
	defer client.Close()

	remote := m.remotePath(key)
	if err := client.MkdirAll(path.Dir(remote)); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	f, err := client.OpenFile(remote, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("open %s: %w", remote, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", remote, err)
	}
	return f.Close()
}

func (m *SFTPMirror) dial(ctx context.Context) (*ssh.Client, *sftp.Client, error) {
	d := net.Dialer{Timeout: m.timeout}
	conn, err := d.DialContext(ctx, "tcp", m.addr)
	if err != nil {
		return nil, nil, fmt.Errorf("ssh dial: %w", err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, m.addr, m.cfg)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("ssh handshake: %w", err)
	}
	sc := ssh.NewClient(c, chans, reqs)
	client, err := sftp.NewClient(sc)
	if err != nil {
		sc.Close()
		return nil, nil, fmt.Errorf("sftp session: %w", err)
	}
	return sc, client, nil
}

func (m *SFTPMirror) remotePath(key string) string {
	base := strings.TrimSuffix(strings.TrimSpace(m.baseDir), "/")
	if base == "" {
		return key
	}
	return path.Join(base, key)
}
