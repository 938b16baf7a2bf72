package client

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// NodeClient dials peer storage nodes for transfers
type NodeClient struct {
	dialTimeout time.Duration
}

// NewNodeClient creates a peer dialer
func NewNodeClient(dialTimeout time.Duration) *NodeClient {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &NodeClient{dialTimeout: dialTimeout}
}

// DialPeer opens a TCP connection to address:port
func (c *NodeClient) DialPeer(ctx context.Context, address string, port int) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to dial peer: %w", err)
	}
	return conn, nil
}
