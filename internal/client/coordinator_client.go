package client

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairkv/internal/protocol"
)

// CoordinatorClient holds a storage node's connection to the coordinator.
// Send may be called from several goroutines; Receive from one.
type CoordinatorClient struct {
	host        string
	port        int
	dialTimeout time.Duration
	logger      *zap.Logger

	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex
}

// NewCoordinatorClient creates a client; Connect opens the connection
func NewCoordinatorClient(host string, port int, dialTimeout time.Duration, logger *zap.Logger) *CoordinatorClient {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &CoordinatorClient{
		host:        host,
		port:        port,
		dialTimeout: dialTimeout,
		logger:      logger,
	}
}

// Addr returns the coordinator endpoint
func (c *CoordinatorClient) Addr() string {
	return net.JoinHostPort(c.host, fmt.Sprint(c.port))
}

// Connect dials the coordinator
func (c *CoordinatorClient) Connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.Addr())
	if err != nil {
		return fmt.Errorf("failed to connect to coordinator at %s: %w", c.Addr(), err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

// ConnectWithRetry attempts to connect to the coordinator with retries
func (c *CoordinatorClient) ConnectWithRetry(ctx context.Context, maxRetries int, retryInterval time.Duration) error {
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		err := c.Connect(ctx)
		if err == nil {
			c.logger.Info("Connected to coordinator", zap.String("coordinator", c.Addr()))
			return nil
		}

		lastErr = err
		c.logger.Warn("Failed to connect to coordinator, retrying...",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return fmt.Errorf("context cancelled during connect: %w", ctx.Err())
			case <-time.After(retryInterval):
			}
		}
	}

	return fmt.Errorf("failed to connect after %d attempts: %w", maxRetries, lastErr)
}

// Send writes one message to the coordinator
func (c *CoordinatorClient) Send(msg *protocol.CoordinatorMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("coordinator client is not connected")
	}
	if err := protocol.WriteMessage(c.conn, msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Status, err)
	}
	c.logger.Debug("Sent coordinator message", zap.String("status", string(msg.Status)))
	return nil
}

// Receive blocks for the next message from the coordinator
func (c *CoordinatorClient) Receive() (*protocol.CoordinatorMessage, error) {
	if c.reader == nil {
		return nil, fmt.Errorf("coordinator client is not connected")
	}
	var msg protocol.CoordinatorMessage
	if err := protocol.ReadMessage(c.reader, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Close closes the coordinator client connection
func (c *CoordinatorClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
