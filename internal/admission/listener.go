package admission

import (
	"log/slog"
	"net"
	"sync"
)

// Listener admits accepted connections through a Manager before any byte is read.
// Connections over capacity are closed immediately and Accept keeps waiting.
type Listener struct {
	net.Listener
	m        *Manager
	logger   *slog.Logger
	onReject func()
}

// NewListener wraps inner. onReject, if non-nil, is called for every rejected connection.
func NewListener(inner net.Listener, m *Manager, logger *slog.Logger, onReject func()) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{Listener: inner, m: m, logger: logger, onReject: onReject}
}

func (l *Listener) Accept() (net.Conn, error) {
	for {
		c, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		p := l.m.TryAcquire()
		if p == nil {
			l.logger.Warn("connection rejected at capacity",
				"remote", c.RemoteAddr().String(),
				"active", l.m.ActiveConnections(),
				"max", l.m.MaxConnections(),
			)
			if l.onReject != nil {
				l.onReject()
			}
			_ = c.Close()
			continue
		}
		return &permitConn{Conn: c, permit: p}, nil
	}
}

// permitConn releases its permit when closed, whichever layer closes it.
type permitConn struct {
	net.Conn
	permit *Permit
	once   sync.Once
}

func (c *permitConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.permit.Release)
	return err
}
