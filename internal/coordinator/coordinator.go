// Package coordinator implements the membership coordinator: it owns the
// authoritative ring, serializes joins and leaves, drives the rebalancing
// handshake and broadcasts every new ring to all connected nodes.
package coordinator

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairkv/internal/metrics"
	"github.com/devrev/pairkv/internal/protocol"
	"github.com/devrev/pairkv/internal/ring"
)

// Config holds coordinator configuration
type Config struct {
	Host string
	Port int
	// LockTimeout bounds the wait for REQ_FIN after METADATA_LOCK
	LockTimeout time.Duration
	// SendTimeout bounds each message write to a node
	SendTimeout time.Duration
}

// Coordinator serves node connections. mu is held for the whole of every
// join, leave, eviction and broadcast, so membership changes never interleave.
type Coordinator struct {
	cfg     *Config
	metrics *metrics.CoordinatorMetrics
	logger  *zap.Logger

	mu    sync.Mutex
	conns map[string]*nodeConn

	// ring is replaced wholesale under mu and read without it
	ring atomic.Pointer[ring.Metadata]

	finMu   sync.Mutex
	pending map[string]chan struct{}

	listener net.Listener
	wg       sync.WaitGroup

	allMu sync.Mutex
	all   map[*nodeConn]struct{}
}

// New creates a coordinator with an empty ring
func New(cfg *Config, m *metrics.CoordinatorMetrics, logger *zap.Logger) *Coordinator {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 60 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	c := &Coordinator{
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		conns:   make(map[string]*nodeConn),
		pending: make(map[string]chan struct{}),
		all:     make(map[*nodeConn]struct{}),
	}
	c.ring.Store(ring.New())
	return c
}

// Ring returns the current ring snapshot
func (c *Coordinator) Ring() *ring.Metadata {
	return c.ring.Load()
}

// Start binds the listener and begins accepting node connections
func (c *Coordinator) Start() error {
	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprint(c.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	c.listener = ln
	c.logger.Info("Coordinator listening", zap.String("addr", ln.Addr().String()))

	c.wg.Add(1)
	go c.acceptLoop()
	return nil
}

// Addr returns the bound address
func (c *Coordinator) Addr() net.Addr {
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// Stop closes the listener and every node connection
func (c *Coordinator) Stop() error {
	var err error
	if c.listener != nil {
		err = c.listener.Close()
	}
	c.allMu.Lock()
	for nc := range c.all {
		nc.close()
	}
	c.allMu.Unlock()

	c.wg.Wait()
	c.logger.Info("Coordinator stopped")
	return err
}

func (c *Coordinator) acceptLoop() {
	defer c.wg.Done()
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Warn("Accept failed", zap.Error(err))
			continue
		}

		nc := newNodeConn(conn, c.cfg.SendTimeout)
		c.allMu.Lock()
		c.all[nc] = struct{}{}
		c.allMu.Unlock()

		c.wg.Add(1)
		go c.serve(nc)
	}
}

// serve reads one node's messages. Joins and leaves run on their own
// goroutine so this loop can keep delivering REQ_FIN while they wait.
func (c *Coordinator) serve(nc *nodeConn) {
	defer c.wg.Done()
	defer func() {
		c.allMu.Lock()
		delete(c.all, nc)
		c.allMu.Unlock()
	}()

	remote := nc.conn.RemoteAddr().String()
	for {
		msg, err := nc.receive()
		if errors.Is(err, protocol.ErrMalformed) {
			c.reject(nc, protocol.StatusInvalidMessageFormat)
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Info("Node connection lost", zap.String("remote", remote), zap.Error(err))
			}
			c.disconnected(nc)
			return
		}

		switch msg.Status {
		case protocol.StatusInitRequest:
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.join(nc, msg)
			}()
		case protocol.StatusTermRequest:
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.leave(nc, msg)
			}()
		case protocol.StatusRequestFinished:
			if !c.finish(nc.key()) {
				c.reject(nc, protocol.StatusInvalidRequestType)
			}
		default:
			c.reject(nc, protocol.StatusInvalidRequestType)
		}
	}
}

func (c *Coordinator) reject(nc *nodeConn, status protocol.CoordinatorStatus) {
	c.metrics.RecordInvalidRequest(string(status))
	if err := nc.send(&protocol.CoordinatorMessage{Status: status}); err != nil {
		c.logger.Debug("Failed to send rejection", zap.Error(err))
	}
}

// join adds the node, has the current owner of its arc hand data over, then
// broadcasts. An owner that cannot complete the handoff is evicted and the
// next owner is asked instead.
func (c *Coordinator) join(nc *nodeConn, msg *protocol.CoordinatorMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.Address == "" || msg.Port <= 0 || msg.Port > 65535 {
		c.reject(nc, protocol.StatusInvalidMessageFormat)
		return
	}
	key := ring.NodeAddress(msg.Address, msg.Port)
	if nc.key() != "" {
		c.reject(nc, protocol.StatusInvalidRequestType)
		return
	}

	next, added, err := c.Ring().AddNode(msg.Address, msg.Port)
	if err != nil {
		c.logger.Warn("Rejected join", zap.String("node", key), zap.Error(err))
		c.reject(nc, protocol.StatusInvalidRequestType)
		return
	}
	nc.identify(msg.Address, msg.Port)
	c.conns[key] = nc
	c.ring.Store(next)
	c.metrics.RecordMembershipChange("join")

	c.logger.Info("Node joining",
		zap.String("node", key),
		zap.String("position", added.From.String()),
		zap.Int("ring_size", next.Len()))

	for c.Ring().Len() > 1 {
		owner := c.Ring().Successors(added.From, 1)[0]
		target, ok := c.conns[owner.NodeAddr()]
		if !ok {
			c.evictRangeLocked(owner, "no_connection")
			continue
		}
		if c.lockAndWait(target, msg.Address, msg.Port) {
			break
		}
		c.evictLocked(target, "handoff_failed")
	}

	c.broadcastLocked(msg.Address, msg.Port)
}

// leave removes the node, has it ship everything to its successor, then
// broadcasts and releases it with SHUTDOWN
func (c *Coordinator) leave(nc *nodeConn, msg *protocol.CoordinatorMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := nc.key()
	if key == "" || c.conns[key] != nc {
		c.reject(nc, protocol.StatusInvalidRequestType)
		return
	}
	address, port := nc.endpoint()

	next, _, err := c.Ring().RemoveNode(address, port)
	if err != nil {
		c.logger.Warn("Rejected leave", zap.String("node", key), zap.Error(err))
		c.reject(nc, protocol.StatusInvalidRequestType)
		return
	}
	delete(c.conns, key)
	c.ring.Store(next)
	c.metrics.RecordMembershipChange("leave")
	c.logger.Info("Node leaving", zap.String("node", key), zap.Int("ring_size", next.Len()))

	if next.Len() > 0 {
		if !c.lockAndWait(nc, address, port) {
			c.logger.Warn("Leaving node did not finish its handoff", zap.String("node", key))
		}
		c.broadcastLocked(address, port)
	} else {
		c.metrics.SetMembership(0, len(c.conns))
	}

	if err := nc.send(&protocol.CoordinatorMessage{Status: protocol.StatusShutdown, Address: address, Port: port}); err != nil {
		c.logger.Debug("Failed to send shutdown", zap.String("node", key), zap.Error(err))
	}
}

// disconnected handles connection loss. A registered node is removed from
// the ring and the reduced ring is broadcast.
func (c *Coordinator) disconnected(nc *nodeConn) {
	nc.close()

	c.mu.Lock()
	defer c.mu.Unlock()

	key := nc.key()
	if key == "" || c.conns[key] != nc {
		return
	}
	address, port := nc.endpoint()
	c.evictLocked(nc, "disconnected")
	c.broadcastLocked(address, port)
}

// lockAndWait sends METADATA_LOCK carrying the current ring to target and
// waits for its REQ_FIN, the connection to drop, or the lock timeout
func (c *Coordinator) lockAndWait(target *nodeConn, address string, port int) bool {
	key := target.key()
	fin := c.expect(key)
	defer c.forget(key)

	start := time.Now()
	err := target.send(&protocol.CoordinatorMessage{
		Status:   protocol.StatusMetadataLock,
		Address:  address,
		Port:     port,
		Metadata: c.Ring(),
	})
	if err != nil {
		c.logger.Warn("Failed to send metadata lock", zap.String("node", key), zap.Error(err))
		c.metrics.RecordLockWait("send_failed", time.Since(start).Seconds())
		return false
	}

	timer := time.NewTimer(c.cfg.LockTimeout)
	defer timer.Stop()

	select {
	case <-fin:
		c.metrics.RecordLockWait("finished", time.Since(start).Seconds())
		c.logger.Info("Handoff finished",
			zap.String("node", key),
			zap.Duration("duration", time.Since(start)))
		return true
	case <-target.closed:
		c.metrics.RecordLockWait("disconnected", time.Since(start).Seconds())
		return false
	case <-timer.C:
		c.metrics.RecordLockWait("timeout", time.Since(start).Seconds())
		c.logger.Warn("Timed out waiting for handoff", zap.String("node", key))
		return false
	}
}

func (c *Coordinator) expect(key string) <-chan struct{} {
	c.finMu.Lock()
	defer c.finMu.Unlock()
	ch := make(chan struct{})
	c.pending[key] = ch
	return ch
}

func (c *Coordinator) forget(key string) {
	c.finMu.Lock()
	defer c.finMu.Unlock()
	delete(c.pending, key)
}

// finish delivers a REQ_FIN; false if no lock was outstanding for the node
func (c *Coordinator) finish(key string) bool {
	c.finMu.Lock()
	defer c.finMu.Unlock()
	ch, ok := c.pending[key]
	if !ok {
		return false
	}
	close(ch)
	delete(c.pending, key)
	return true
}

// broadcastLocked sends the current ring to every registered node. A node
// that cannot be reached is evicted and the broadcast restarts with the
// reduced ring; each restart removes a node, so the loop is bounded.
func (c *Coordinator) broadcastLocked(causeAddress string, causePort int) {
	for {
		md := c.Ring()
		var failed *nodeConn
		for _, r := range md.Ranges() {
			nc, ok := c.conns[r.NodeAddr()]
			if !ok {
				continue
			}
			err := nc.send(&protocol.CoordinatorMessage{
				Status:   protocol.StatusMetadataUpdate,
				Address:  causeAddress,
				Port:     causePort,
				Metadata: md,
			})
			if err != nil {
				c.logger.Warn("Metadata broadcast failed", zap.String("node", r.NodeAddr()), zap.Error(err))
				failed = nc
				break
			}
		}

		if failed == nil {
			c.metrics.RecordBroadcast()
			c.metrics.SetMembership(md.Len(), len(c.conns))
			c.logger.Info("Metadata broadcast", zap.Int("ring_size", md.Len()), zap.String("fingerprint", md.Fingerprint()))
			return
		}
		c.evictLocked(failed, "broadcast_failed")
	}
}

// evictLocked removes a registered node from the ring and the connection table
func (c *Coordinator) evictLocked(nc *nodeConn, reason string) {
	address, port := nc.endpoint()
	delete(c.conns, nc.key())
	if next, _, err := c.Ring().RemoveNode(address, port); err == nil {
		c.ring.Store(next)
	}
	nc.close()

	c.metrics.RecordEviction(reason)
	c.logger.Warn("Evicted node",
		zap.String("node", ring.NodeAddress(address, port)),
		zap.String("reason", reason),
		zap.Int("ring_size", c.Ring().Len()))
}

// evictRangeLocked removes a ring entry that has no connection
func (c *Coordinator) evictRangeLocked(r ring.KeyRange, reason string) {
	if next, _, err := c.Ring().RemoveNode(r.Address, r.Port); err == nil {
		c.ring.Store(next)
	}
	c.metrics.RecordEviction(reason)
	c.logger.Warn("Evicted node", zap.String("node", r.NodeAddr()), zap.String("reason", reason))
}
