package engine

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/warmpool/warmpool/pkg/config"
)

// Prober tests whether a VM's management port accepts connections.
type Prober interface {
	Probe(ctx context.Context, target string) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, target string) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, target string) error { return f(ctx, target) }

// TCPProber succeeds when a TCP connection to the port opens within Timeout.
type TCPProber struct {
	Port    int
	Timeout time.Duration
}

// Probe implements Prober.
func (p TCPProber) Probe(ctx context.Context, target string) error {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(target, strconv.Itoa(p.Port)))
	if err != nil {
		return NewTransientError("probe", err).WithCode(ErrCodeTimeout)
	}
	return conn.Close()
}

// SSHProber succeeds when an authenticated SSH handshake completes within Timeout.
type SSHProber struct {
	Port    int
	Timeout time.Duration
	Client  *ssh.ClientConfig
}

// Probe implements Prober.
func (p SSHProber) Probe(ctx context.Context, target string) error {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	addr := net.JoinHostPort(target, strconv.Itoa(p.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return NewTransientError("probe", err).WithCode(ErrCodeTimeout)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, p.Client)
	if err != nil {
		return NewTransientError("probe", fmt.Errorf("ssh handshake: %w", err))
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	return client.Close()
}

// NewProber builds the prober selected by configuration.
func NewProber(cfg config.ProbeConfig) (Prober, error) {
	switch cfg.Kind {
	case "", "tcp":
		return TCPProber{Port: cfg.Port, Timeout: cfg.Timeout}, nil
	case "ssh":
		client, err := sshClientConfig(cfg)
		if err != nil {
			return nil, err
		}
		return SSHProber{Port: cfg.Port, Timeout: cfg.Timeout, Client: client}, nil
	case "none":
		return ProberFunc(func(context.Context, string) error { return nil }), nil
	default:
		return nil, fmt.Errorf("unknown probe kind %q", cfg.Kind)
	}
}

func sshClientConfig(cfg config.ProbeConfig) (*ssh.ClientConfig, error) {
	keyBytes, err := os.ReadFile(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // pool VMs are freshly cloned and have no stable host keys
	if cfg.KnownHosts != "" {
		hostKeyCallback, err = knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.Timeout,
	}, nil
}
