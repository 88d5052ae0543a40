package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionManager owns the single AMQP connection and channel of a worker.
// It never reconnects: once the broker closes either of them the manager
// reports the loss and the process is expected to be restarted externally.
type ConnectionManager struct {
	urls           []string
	url            string
	connectionName string
	heartbeat      time.Duration
	dialTimeout    time.Duration
	logger         *slog.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel

	lost     chan struct{}
	lostOnce sync.Once
	lostErr  error
	closing  bool
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithHeartbeat sets the heartbeat interval negotiated with the broker
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = interval
	}
}

// WithDialTimeout bounds the TCP dial and AMQP handshake
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithFailoverURLs adds brokers tried in order when the primary URL
// cannot be reached
func WithFailoverURLs(urls ...string) ConnectionOption {
	return func(cm *ConnectionManager) {
		for _, u := range urls {
			if u != "" {
				cm.urls = append(cm.urls, u)
			}
		}
	}
}

// WithConnectionName sets the client-provided connection name shown in the management UI
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectionName = name
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		urls:        []string{url},
		url:         url,
		heartbeat:   10 * time.Second,
		dialTimeout: 30 * time.Second,
		logger:      slog.Default(),
		lost:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect dials the brokers in order and opens the worker channel on the
// first one that accepts the connection.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.conn != nil {
		return nil
	}

	var lastErr error
	for i, url := range cm.urls {
		if err := ctx.Err(); err != nil {
			return &ConnectionError{Op: "connect", URL: SanitizeURL(url), Err: err, Timestamp: time.Now()}
		}

		conn, err := cm.dial(ctx, url)
		if err != nil {
			lastErr = err
			if i < len(cm.urls)-1 {
				cm.logger.Warn("broker unreachable, trying next", "url", SanitizeURL(url), "error", err)
			}
			continue
		}

		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return &ConnectionError{Op: "open channel", URL: SanitizeURL(url), Err: err, Timestamp: time.Now()}
		}

		cm.url = url
		cm.conn = conn
		cm.channel = ch

		go cm.watch(
			conn.NotifyClose(make(chan *amqp.Error, 1)),
			ch.NotifyClose(make(chan *amqp.Error, 1)),
		)

		cm.logger.Info("connected to RabbitMQ",
			"url", SanitizeURL(url),
			"heartbeat", cm.heartbeat)
		return nil
	}

	return lastErr
}

func (cm *ConnectionManager) dial(ctx context.Context, url string) (*amqp.Connection, error) {
	props := amqp.NewConnectionProperties()
	if cm.connectionName != "" {
		props.SetClientConnectionName(cm.connectionName)
	}

	connCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := amqp.DialConfig(url, amqp.Config{
			Heartbeat:  cm.heartbeat,
			Locale:     "en_US",
			Properties: props,
			Dial:       amqp.DefaultDial(cm.dialTimeout),
		})
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		return conn, nil
	case err := <-errChan:
		return nil, &ConnectionError{Op: "connect", URL: SanitizeURL(url), Err: err, Timestamp: time.Now()}
	case <-connCtx.Done():
		return nil, &ConnectionError{Op: "connect", URL: SanitizeURL(url), Err: ErrConnectionTimeout, Timestamp: time.Now()}
	}
}

// watch turns the first close notification into the lost signal.
func (cm *ConnectionManager) watch(connClosed, chanClosed <-chan *amqp.Error) {
	select {
	case amqpErr, ok := <-connClosed:
		if !ok || amqpErr == nil {
			cm.markLost(ErrConnectionClosed)
			return
		}
		cm.markLost(classifyClose(ErrConnectionClosed, amqpErr))
	case amqpErr, ok := <-chanClosed:
		if !ok || amqpErr == nil {
			cm.markLost(ErrChannelClosed)
			return
		}
		cm.markLost(classifyClose(ErrChannelClosed, amqpErr))
	}
}

func (cm *ConnectionManager) markLost(err error) {
	cm.lostOnce.Do(func() {
		cm.mu.Lock()
		cm.lostErr = err
		closing := cm.closing
		cm.mu.Unlock()
		close(cm.lost)

		if closing {
			cm.logger.Info("rabbitmq connection closed")
			return
		}
		cm.logger.Error("rabbitmq connection lost", "error", err)
	})
}

// classifyClose maps a broker close reason onto our sentinel errors.
func classifyClose(base error, amqpErr *amqp.Error) error {
	reason := strings.ToLower(amqpErr.Reason)
	if strings.Contains(reason, "heartbeat") || strings.Contains(reason, "timeout") {
		return errors.Join(ErrHeartbeatMissed, amqpErr)
	}
	return errors.Join(base, amqpErr)
}

// Channel returns the worker channel
func (cm *ConnectionManager) Channel() (Channel, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.channel == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.channel.IsClosed() {
		return nil, ErrChannelClosed
	}
	return cm.channel, nil
}

// CheckHeartbeat verifies that both the connection and the channel are
// still open. amqp091 sends heartbeats itself; a missed one surfaces here
// as a closed connection.
func (cm *ConnectionManager) CheckHeartbeat() error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.lostErr != nil {
		return cm.lostErr
	}
	if cm.conn == nil {
		return ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return ErrConnectionClosed
	}
	if cm.channel.IsClosed() {
		return ErrChannelClosed
	}
	return nil
}

// Lost is closed once the broker closed the connection or the channel.
func (cm *ConnectionManager) Lost() <-chan struct{} {
	return cm.lost
}

// Err returns the reason the connection was lost, if it was.
func (cm *ConnectionManager) Err() error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.lostErr
}

// URL returns the sanitized URL of the broker connected to, or of the
// primary broker before Connect succeeded.
func (cm *ConnectionManager) URL() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return SanitizeURL(cm.url)
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	return cm.CheckHeartbeat() == nil
}

// Close closes the channel and the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.conn == nil {
		return nil
	}
	cm.closing = true

	var errs []error
	if cm.channel != nil && !cm.channel.IsClosed() {
		errs = append(errs, cm.channel.Close())
	}
	if !cm.conn.IsClosed() {
		errs = append(errs, cm.conn.Close())
	}
	cm.conn = nil
	cm.channel = nil

	return errors.Join(errs...)
}
