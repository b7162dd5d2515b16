package libvirt

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"

	"github.com/warmpool/warmpool/pkg/telemetry"
)

// ConnManager owns a single libvirt RPC connection and its reconnect flow.
type ConnManager struct {
	mu        sync.RWMutex
	conn      *golibvirt.Libvirt
	uri       string
	timeout   time.Duration
	retryWait time.Duration
	logger    *telemetry.Logger
}

// NewConnManager returns a manager for uri. Nothing is dialed until first use.
func NewConnManager(uri string, timeout, retryWait time.Duration, logger *telemetry.Logger) *ConnManager {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if retryWait <= 0 {
		retryWait = 3 * time.Second
	}
	return &ConnManager{uri: uri, timeout: timeout, retryWait: retryWait, logger: logger}
}

// Client returns the live connection, dialing if there is none.
func (m *ConnManager) Client(ctx context.Context) (*golibvirt.Libvirt, error) {
	m.mu.RLock()
	c := m.conn
	m.mu.RUnlock()
	if c != nil {
		return c, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.connectLocked(ctx); err != nil {
		return nil, err
	}
	return m.conn, nil
}

// Reconnect drops the current connection and dials a new one.
func (m *ConnManager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		if err := m.conn.Disconnect(); err != nil {
			m.logger.WithError(err).Warn("libvirt disconnect failed")
		}
		m.conn = nil
	}
	return m.connectLocked(ctx)
}

// Ping checks the connection with a cheap RPC.
func (m *ConnManager) Ping(ctx context.Context) error {
	c, err := m.Client(ctx)
	if err != nil {
		return err
	}
	if _, err := (session{l: c}).ConnectGetLibVersion(); err != nil {
		return fmt.Errorf("libvirt version check failed: %w", err)
	}
	return nil
}

// Close disconnects.
func (m *ConnManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	err := m.conn.Disconnect()
	m.conn = nil
	return err
}

// connectLocked dials until it succeeds, ctx ends, or the timeout elapses.
func (m *ConnManager) connectLocked(ctx context.Context) error {
	if m.conn != nil {
		return nil
	}

	uri, err := parseURI(m.uri)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	for {
		c, dialErr := golibvirt.ConnectToURI(uri)
		if dialErr == nil {
			m.conn = c
			m.logger.Infof("libvirt connected to %s", uri.Redacted())
			return nil
		}
		m.logger.WithError(dialErr).Errorf("libvirt connect to %s failed, retrying in %s", uri.Redacted(), m.retryWait)

		t := time.NewTimer(m.retryWait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("libvirt connect: %w", dialErr)
		case <-t.C:
		}
	}
}

func parseURI(raw string) (*url.URL, error) {
	if raw == "" {
		raw = string(golibvirt.QEMUSystem)
	}
	uri, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse libvirt uri %q: %w", raw, err)
	}
	if uri.Scheme == "" {
		return nil, fmt.Errorf("libvirt uri %q has no scheme", raw)
	}
	return uri, nil
}
