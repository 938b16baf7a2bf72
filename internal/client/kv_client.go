package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/devrev/pairkv/internal/protocol"
)

// KVClient speaks the text protocol to a single storage node. It does not
// resolve keys to nodes; callers pick the node.
type KVClient struct {
	conn    net.Conn
	reader  *protocol.FrameReader
	timeout time.Duration
}

// DialKV connects to the node at addr
func DialKV(ctx context.Context, addr string, timeout time.Duration) (*KVClient, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &KVClient{
		conn:    conn,
		reader:  protocol.NewFrameReader(conn, 0),
		timeout: timeout,
	}, nil
}

// Do sends one request and returns the parsed response
func (c *KVClient) Do(req protocol.Request) (protocol.Response, error) {
	return c.Raw(req.String())
}

// Raw sends an unparsed frame, for requests the protocol would refuse to build
func (c *KVClient) Raw(frame string) (protocol.Response, error) {
	c.conn.SetDeadline(time.Now().Add(c.timeout))
	if err := protocol.WriteFrame(c.conn, frame); err != nil {
		return protocol.Response{}, err
	}
	line, err := c.reader.ReadFrame()
	if err != nil {
		return protocol.Response{}, err
	}
	return protocol.ParseResponse(line)
}

func (c *KVClient) Put(key, value string) (protocol.Response, error) {
	return c.Do(protocol.Request{Verb: protocol.VerbPut, Key: key, Value: value})
}

func (c *KVClient) Get(key string) (protocol.Response, error) {
	return c.Do(protocol.Request{Verb: protocol.VerbGet, Key: key})
}

// Delete writes the tombstone value
func (c *KVClient) Delete(key string) (protocol.Response, error) {
	return c.Put(key, "null")
}

func (c *KVClient) KeyRange() (protocol.Response, error) {
	return c.Do(protocol.Request{Verb: protocol.VerbKeyRange})
}

func (c *KVClient) KeyRangeRead() (protocol.Response, error) {
	return c.Do(protocol.Request{Verb: protocol.VerbKeyRangeRead})
}

func (c *KVClient) Subscribe(key, endpoint string) (protocol.Response, error) {
	return c.Do(protocol.Request{Verb: protocol.VerbSubscribe, Key: key, Subscriber: endpoint})
}

func (c *KVClient) Unsubscribe(key, endpoint string) (protocol.Response, error) {
	return c.Do(protocol.Request{Verb: protocol.VerbUnsubscribe, Key: key, Subscriber: endpoint})
}

// Close closes the connection
func (c *KVClient) Close() error {
	return c.conn.Close()
}
