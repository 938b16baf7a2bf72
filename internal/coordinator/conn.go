package coordinator

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairkv/internal/protocol"
	"github.com/devrev/pairkv/internal/ring"
)

// nodeConn is one node's connection to the coordinator. The address is set
// by the node's INIT_REQ; before that the connection is anonymous.
type nodeConn struct {
	conn        net.Conn
	reader      *bufio.Reader
	sendTimeout time.Duration

	writeMu sync.Mutex

	address atomic.Pointer[string]
	port    atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

func newNodeConn(conn net.Conn, sendTimeout time.Duration) *nodeConn {
	return &nodeConn{
		conn:        conn,
		reader:      bufio.NewReader(conn),
		sendTimeout: sendTimeout,
		closed:      make(chan struct{}),
	}
}

func (nc *nodeConn) identify(address string, port int) {
	nc.address.Store(&address)
	nc.port.Store(int64(port))
}

// key returns "address:port", or "" before INIT_REQ
func (nc *nodeConn) key() string {
	addr := nc.address.Load()
	if addr == nil {
		return ""
	}
	return ring.NodeAddress(*addr, int(nc.port.Load()))
}

func (nc *nodeConn) endpoint() (string, int) {
	addr := nc.address.Load()
	if addr == nil {
		return "", 0
	}
	return *addr, int(nc.port.Load())
}

func (nc *nodeConn) send(msg *protocol.CoordinatorMessage) error {
	nc.writeMu.Lock()
	defer nc.writeMu.Unlock()

	nc.conn.SetWriteDeadline(time.Now().Add(nc.sendTimeout))
	return protocol.WriteMessage(nc.conn, msg)
}

func (nc *nodeConn) receive() (*protocol.CoordinatorMessage, error) {
	var msg protocol.CoordinatorMessage
	if err := protocol.ReadMessage(nc.reader, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (nc *nodeConn) close() {
	nc.closeOnce.Do(func() {
		close(nc.closed)
		nc.conn.Close()
	})
}
