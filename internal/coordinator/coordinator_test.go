package coordinator

import (
	"bufio"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairkv/internal/protocol"
	"github.com/devrev/pairkv/internal/ring"
)

func startCoordinator(t *testing.T, lockTimeout time.Duration) *Coordinator {
	t.Helper()
	c := New(&Config{Host: "127.0.0.1", Port: 0, LockTimeout: lockTimeout, SendTimeout: time.Second}, nil, zap.NewNop())
	require.NoError(t, c.Start())
	t.Cleanup(func() { c.Stop() })
	return c
}

// fakeNode speaks the coordinator protocol by hand
type fakeNode struct {
	t      *testing.T
	port   int
	conn   net.Conn
	reader *bufio.Reader
}

func dialNode(t *testing.T, c *Coordinator, port int) *fakeNode {
	t.Helper()
	conn, err := net.Dial("tcp", c.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &fakeNode{t: t, port: port, conn: conn, reader: bufio.NewReader(conn)}
}

func (n *fakeNode) send(status protocol.CoordinatorStatus) {
	n.t.Helper()
	require.NoError(n.t, protocol.WriteMessage(n.conn, &protocol.CoordinatorMessage{
		Status:  status,
		Address: "127.0.0.1",
		Port:    n.port,
	}))
}

func (n *fakeNode) expect(status protocol.CoordinatorStatus) *protocol.CoordinatorMessage {
	n.t.Helper()
	n.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg protocol.CoordinatorMessage
	require.NoError(n.t, protocol.ReadMessage(n.reader, &msg))
	require.Equal(n.t, status, msg.Status)
	return &msg
}

// expectClosed waits for the coordinator to drop the connection
func (n *fakeNode) expectClosed() {
	n.t.Helper()
	n.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg protocol.CoordinatorMessage
		err := protocol.ReadMessage(n.reader, &msg)
		if err == nil {
			continue
		}
		assert.True(n.t, errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || isReset(err), "unexpected error %v", err)
		return
	}
}

func isReset(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && !opErr.Timeout()
}

func members(md *ring.Metadata) []string {
	var out []string
	for _, r := range md.Ranges() {
		out = append(out, r.NodeAddr())
	}
	return out
}

// joinFirst registers a node into an empty ring
func joinFirst(t *testing.T, c *Coordinator, port int) *fakeNode {
	n := dialNode(t, c, port)
	n.send(protocol.StatusInitRequest)
	update := n.expect(protocol.StatusMetadataUpdate)
	require.Equal(t, 1, update.Metadata.Len())
	return n
}

func TestCoordinator_FirstJoin(t *testing.T) {
	c := startCoordinator(t, time.Second)
	a := dialNode(t, c, 8001)
	a.send(protocol.StatusInitRequest)

	update := a.expect(protocol.StatusMetadataUpdate)
	assert.Equal(t, []string{"127.0.0.1:8001"}, members(update.Metadata))
	assert.Equal(t, "127.0.0.1", update.Address)
	assert.Equal(t, 8001, update.Port)
	assert.True(t, c.Ring().Equal(update.Metadata))
}

func TestCoordinator_JoinLocksOwnerThenBroadcasts(t *testing.T) {
	c := startCoordinator(t, 5*time.Second)
	a := joinFirst(t, c, 8001)

	b := dialNode(t, c, 8002)
	b.send(protocol.StatusInitRequest)

	lock := a.expect(protocol.StatusMetadataLock)
	assert.Equal(t, 8002, lock.Port, "lock names the joining node")
	assert.Equal(t, 2, lock.Metadata.Len(), "lock carries the new ring")
	a.send(protocol.StatusRequestFinished)

	for _, n := range []*fakeNode{a, b} {
		update := n.expect(protocol.StatusMetadataUpdate)
		assert.ElementsMatch(t, []string{"127.0.0.1:8001", "127.0.0.1:8002"}, members(update.Metadata))
		assert.True(t, lock.Metadata.Equal(update.Metadata))
	}
}

func TestCoordinator_LockTimeoutEvictsOwner(t *testing.T) {
	c := startCoordinator(t, 200*time.Millisecond)
	a := joinFirst(t, c, 8001)

	b := dialNode(t, c, 8002)
	b.send(protocol.StatusInitRequest)

	a.expect(protocol.StatusMetadataLock)
	// a never answers

	update := b.expect(protocol.StatusMetadataUpdate)
	assert.Equal(t, []string{"127.0.0.1:8002"}, members(update.Metadata))
	a.expectClosed()
}

func TestCoordinator_Leave(t *testing.T) {
	c := startCoordinator(t, 5*time.Second)
	a := joinFirst(t, c, 8001)

	b := dialNode(t, c, 8002)
	b.send(protocol.StatusInitRequest)
	a.expect(protocol.StatusMetadataLock)
	a.send(protocol.StatusRequestFinished)
	a.expect(protocol.StatusMetadataUpdate)
	b.expect(protocol.StatusMetadataUpdate)

	b.send(protocol.StatusTermRequest)
	lock := b.expect(protocol.StatusMetadataLock)
	assert.Equal(t, 8002, lock.Port, "lock names the leaving node itself")
	assert.Equal(t, []string{"127.0.0.1:8001"}, members(lock.Metadata))
	b.send(protocol.StatusRequestFinished)

	update := a.expect(protocol.StatusMetadataUpdate)
	assert.Equal(t, []string{"127.0.0.1:8001"}, members(update.Metadata))
	b.expect(protocol.StatusShutdown)
}

func TestCoordinator_LastNodeLeaves(t *testing.T) {
	c := startCoordinator(t, time.Second)
	a := joinFirst(t, c, 8001)

	a.send(protocol.StatusTermRequest)
	a.expect(protocol.StatusShutdown)
	assert.Equal(t, 0, c.Ring().Len())
}

func TestCoordinator_DisconnectEvicts(t *testing.T) {
	c := startCoordinator(t, 5*time.Second)
	a := joinFirst(t, c, 8001)

	b := dialNode(t, c, 8002)
	b.send(protocol.StatusInitRequest)
	a.expect(protocol.StatusMetadataLock)
	a.send(protocol.StatusRequestFinished)
	a.expect(protocol.StatusMetadataUpdate)
	b.expect(protocol.StatusMetadataUpdate)

	require.NoError(t, a.conn.Close())

	update := b.expect(protocol.StatusMetadataUpdate)
	assert.Equal(t, []string{"127.0.0.1:8002"}, members(update.Metadata))
	assert.Equal(t, 8001, update.Port, "update names the evicted node")
}

func TestCoordinator_InvalidRequests(t *testing.T) {
	c := startCoordinator(t, time.Second)

	tests := []struct {
		name string
		run  func(n *fakeNode)
		want protocol.CoordinatorStatus
	}{
		{
			name: "finish without lock",
			run:  func(n *fakeNode) { n.send(protocol.StatusRequestFinished) },
			want: protocol.StatusInvalidRequestType,
		},
		{
			name: "leave before join",
			run:  func(n *fakeNode) { n.send(protocol.StatusTermRequest) },
			want: protocol.StatusInvalidRequestType,
		},
		{
			name: "coordinator status from a node",
			run:  func(n *fakeNode) { n.send(protocol.StatusMetadataUpdate) },
			want: protocol.StatusInvalidRequestType,
		},
		{
			name: "undecodable payload",
			run: func(n *fakeNode) {
				_, err := n.conn.Write([]byte{0, 0, 0, 3, '{', 'x', '}'})
				require.NoError(t, err)
			},
			want: protocol.StatusInvalidMessageFormat,
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := dialNode(t, c, 8100+i)
			tt.run(n)
			n.expect(tt.want)
		})
	}
}

func TestCoordinator_DuplicateJoinRejected(t *testing.T) {
	c := startCoordinator(t, time.Second)
	a := joinFirst(t, c, 8001)

	a.send(protocol.StatusInitRequest)
	a.expect(protocol.StatusInvalidRequestType)

	impostor := dialNode(t, c, 8001)
	impostor.send(protocol.StatusInitRequest)
	impostor.expect(protocol.StatusInvalidRequestType)
	assert.Equal(t, 1, c.Ring().Len())
}
