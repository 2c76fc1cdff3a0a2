package qemu

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/digitalocean/go-qemu/qmp"
	"github.com/rs/zerolog"
	"github.com/walteh/minivirt/pkg/domain"
	"gitlab.com/tozd/go/errors"
)

const (
	// ConnectAttempts is how many times Dial tries to reach the socket.
	ConnectAttempts = 2
	// RetryInterval separates two connect attempts.
	RetryInterval = 1 * time.Second
	// ReceiveTimeout bounds every single receive.
	ReceiveTimeout = 5 * time.Second
	// ReplyBufferSize is the largest reply returned; longer replies are cut.
	ReplyBufferSize = 4096
)

// Commands used by the driver.
const (
	CommandCapabilities = "qmp_capabilities"
	CommandQueryStatus  = "query-status"
	CommandQuit         = "quit"
)

// Monitor is a half-duplex QMP client owning one connection to one control
// socket. Each Execute is a single write followed by a single receive; there
// is no reply correlation and asynchronous events are not filtered out, so a
// Monitor should live for one operation only.
type Monitor struct {
	path   string
	logger zerolog.Logger

	attempts       int
	retryInterval  time.Duration
	receiveTimeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

var _ qmp.Monitor = &Monitor{}

// NewMonitor returns an unconnected client for the socket at path.
func NewMonitor(path string, logger zerolog.Logger) *Monitor {
	return &Monitor{
		path:           path,
		logger:         logger.With().Str("socket", path).Logger(),
		attempts:       ConnectAttempts,
		retryInterval:  RetryInterval,
		receiveTimeout: ReceiveTimeout,
	}
}

// Dial connects to the control socket at path and negotiates capabilities.
// A failed negotiation is logged but does not fail Dial; the returned client
// is ready on a best effort basis.
func Dial(ctx context.Context, path string) (*Monitor, error) {
	m := NewMonitor(path, *zerolog.Ctx(ctx))
	if err := m.connect(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Connect implements qmp.Monitor.
func (m *Monitor) Connect() error {
	return m.connect(context.Background())
}

func (m *Monitor) connect(ctx context.Context) error {
	if m.path == "" {
		return errors.Errorf("%w: empty control socket path", domain.ErrChannel)
	}

	var (
		conn net.Conn
		err  error
	)
	dialer := net.Dialer{Timeout: m.receiveTimeout}
	for attempt := 1; attempt <= m.attempts; attempt++ {
		conn, err = dialer.DialContext(ctx, "unix", m.path)
		if err == nil {
			break
		}
		m.logger.Info().Err(err).Int("attempt", attempt).Msg("Connect to monitor failed")
		if attempt == m.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Errorf("%w: connecting to %s: %w", domain.ErrChannel, m.path, ctx.Err())
		case <-time.After(m.retryInterval):
		}
	}
	if err != nil {
		return errors.Errorf("%w: connecting to %s after %d attempts: %w", domain.ErrChannel, m.path, m.attempts, err)
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	m.logger.Debug().Msg("Connected to monitor")

	// the greeting carries the QMP version and is not needed
	if _, err := m.receive(); err != nil {
		m.logger.Warn().Err(err).Msg("No greeting from monitor")
	}

	if reply, err := m.Execute(CommandCapabilities); err != nil {
		m.logger.Error().Err(err).Msg("Capabilities negotiation failed")
	} else if strings.Contains(reply, `"error"`) {
		m.logger.Error().Str("reply", reply).Msg("Capabilities negotiation refused")
	}

	return nil
}

// Execute sends {"execute":"<command>"} and returns the raw reply text.
func (m *Monitor) Execute(command string) (string, error) {
	cmd, err := json.Marshal(qmp.Command{Execute: command})
	if err != nil {
		return "", errors.Errorf("encoding %s: %w", command, err)
	}
	out, err := m.Run(cmd)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Run implements qmp.Monitor: one write of command, one receive of the reply.
func (m *Monitor) Run(command []byte) ([]byte, error) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return nil, errors.Errorf("%w: monitor %s is not connected", domain.ErrChannel, m.path)
	}

	if _, err := conn.Write(command); err != nil {
		return nil, errors.Errorf("%w: sending to %s: %w", domain.ErrChannel, m.path, err)
	}
	m.logger.Debug().Bytes("command", command).Msg("Sent monitor command")

	reply, err := m.receive()
	if err != nil {
		return nil, err
	}
	return reply, nil
}

func (m *Monitor) receive() ([]byte, error) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return nil, errors.Errorf("%w: monitor %s is not connected", domain.ErrChannel, m.path)
	}

	if err := conn.SetReadDeadline(time.Now().Add(m.receiveTimeout)); err != nil {
		return nil, errors.Errorf("%w: setting receive timeout: %w", domain.ErrChannel, err)
	}

	buf := make([]byte, ReplyBufferSize)
	n, err := conn.Read(buf)
	if n == 0 {
		if err == nil {
			err = errors.New("empty reply")
		}
		return nil, errors.Errorf("%w: receiving from %s: %w", domain.ErrChannel, m.path, err)
	}

	m.logger.Debug().Bytes("reply", buf[:n]).Msg("Received monitor reply")
	return buf[:n], nil
}

// Events implements qmp.Monitor. The client is strictly request/reply and
// does not deliver events.
func (m *Monitor) Events(context.Context) (<-chan qmp.Event, error) {
	return nil, errors.New("monitor does not support events")
}

// Disconnect implements qmp.Monitor.
func (m *Monitor) Disconnect() error {
	return m.Close()
}

// Close releases the connection. Closing twice is a no-op.
func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	if err != nil {
		return errors.Errorf("closing monitor %s: %w", m.path, err)
	}
	m.logger.Debug().Msg("Monitor connection closed")
	return nil
}
