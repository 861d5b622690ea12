package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/bissquit/incident-remediator/internal/domain"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultSSHPort    = 22
	defaultSSHTimeout = 10 * time.Second
)

// ErrUnsafeTarget is returned for a server name or address outside [A-Za-z0-9._-].
var ErrUnsafeTarget = errors.New("unsafe probe target")

// ValidateTarget rejects servers whose name or IP could smuggle shell or query
// syntax into downstream calls.
func ValidateTarget(server domain.Server) error {
	if !domain.IsSafeTarget(server.Name) {
		return fmt.Errorf("%w: name %q", ErrUnsafeTarget, server.Name)
	}
	if !domain.IsSafeTarget(server.IP) {
		return fmt.Errorf("%w: ip %q", ErrUnsafeTarget, server.IP)
	}
	return nil
}

// KeySource materializes an SSH private key on disk.
type KeySource interface {
	KeyFile(ctx context.Context, name string) (path string, cleanup func(), err error)
}

// SSHConfig holds SSH probe configuration.
type SSHConfig struct {
	User           string        `koanf:"user"`
	KeySecret      string        `koanf:"key_secret"`
	KnownHostsFile string        `koanf:"known_hosts_file"`
	Port           int           `koanf:"port" validate:"omitempty,min=1,max=65535"`
	Timeout        time.Duration `koanf:"timeout"`
}

// SSHProber checks that a server accepts an authenticated SSH session.
type SSHProber struct {
	config SSHConfig
	keys   KeySource
	dialer *net.Dialer
}

// NewSSHProber creates a new SSHProber.
func NewSSHProber(config SSHConfig, keys KeySource) *SSHProber {
	if config.Port == 0 {
		config.Port = defaultSSHPort
	}
	if config.Timeout == 0 {
		config.Timeout = defaultSSHTimeout
	}
	return &SSHProber{
		config: config,
		keys:   keys,
		dialer: &net.Dialer{Timeout: config.Timeout},
	}
}

// Probe opens an SSH session to server and runs a no-op command.
func (p *SSHProber) Probe(ctx context.Context, server domain.Server) error {
	if err := ValidateTarget(server); err != nil {
		return err
	}

	signer, err := p.signer(ctx)
	if err != nil {
		return err
	}
	hostKeys, err := p.hostKeyCallback()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	addr := net.JoinHostPort(server.IP, strconv.Itoa(p.config.Port))
	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", server.Name, err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            p.config.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         p.config.Timeout,
	})
	if err != nil {
		return fmt.Errorf("ssh handshake with %s: %w", server.Name, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer func() { _ = client.Close() }()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open session on %s: %w", server.Name, err)
	}
	defer func() { _ = session.Close() }()

	if err := session.Run("true"); err != nil {
		return fmt.Errorf("run probe on %s: %w", server.Name, err)
	}
	return nil
}

// Reachable adapts Probe to the remediation reachability check.
func (p *SSHProber) Reachable(ctx context.Context, inc *domain.Incident) (bool, error) {
	if err := p.Probe(ctx, domain.Server{Name: inc.ServerName, IP: inc.ServerIP}); err != nil {
		return false, err
	}
	return true, nil
}

// signer loads the private key and removes it from disk before returning.
func (p *SSHProber) signer(ctx context.Context) (ssh.Signer, error) {
	path, cleanup, err := p.keys.KeyFile(ctx, p.config.KeySecret)
	if err != nil {
		return nil, fmt.Errorf("fetch ssh key: %w", err)
	}
	defer cleanup()

	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	return signer, nil
}

func (p *SSHProber) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if p.config.KnownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(p.config.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}
