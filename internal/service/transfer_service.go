package service

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairkv/internal/errors"
	"github.com/devrev/pairkv/internal/metrics"
	"github.com/devrev/pairkv/internal/model"
	"github.com/devrev/pairkv/internal/protocol"
	"github.com/devrev/pairkv/internal/ring"
	"github.com/devrev/pairkv/internal/util"
)

// NodeView is the node state the transfer receiver consults
type NodeView interface {
	Metadata() *ring.Metadata
	State() model.NodeState
	// PrimaryReceived records that a handoff delivered primary data
	PrimaryReceived()
}

// PeerDialer opens a connection to another storage node
type PeerDialer interface {
	DialPeer(ctx context.Context, address string, port int) (net.Conn, error)
}

// Payload is one category of file contents to ship
type Payload struct {
	Category protocol.Category
	Contents [][]byte
}

// TransferRequest describes one outgoing transfer
type TransferRequest struct {
	Purpose       protocol.TransferPurpose
	Fingerprint   string
	Payloads      []Payload
	Subscriptions map[string][]model.Subscriber
}

// TransferService streams store files between nodes. The sender side is used
// by replication and rebalancing; the receiver side is served by the node's
// TCP server when a connection opens with TRANSFER.
type TransferService struct {
	self    string
	dialer  PeerDialer
	storage *StorageService
	view    NodeView
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger

	// recvMu serializes incoming transfers so staged files belong to one sender
	recvMu sync.Mutex
}

// TransferConfig holds transfer configuration
type TransferConfig struct {
	// Self is this node's "address:port", sent in handshakes
	Self string
	// Timeout bounds each message exchange with a peer
	Timeout time.Duration
}

// NewTransferService creates a transfer service
func NewTransferService(cfg *TransferConfig, dialer PeerDialer, storage *StorageService, view NodeView, m *metrics.Metrics, logger *zap.Logger) *TransferService {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TransferService{
		self:    cfg.Self,
		dialer:  dialer,
		storage: storage,
		view:    view,
		timeout: timeout,
		metrics: m,
		logger:  logger,
	}
}

// Send ships req to the node owning target and returns once the receiver
// acknowledged that everything is durable
func (s *TransferService) Send(ctx context.Context, target ring.KeyRange, req *TransferRequest) error {
	conn, err := s.dialer.DialPeer(ctx, target.Address, target.Port)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target.NodeAddr(), err)
	}
	defer conn.Close()

	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)
	s.extend(conn)

	if err := protocol.WriteFrame(bw, string(protocol.VerbTransfer)); err != nil {
		return err
	}
	err = protocol.WriteMessage(bw, &protocol.TransferMessage{
		Kind:        protocol.TransferHandshake,
		Purpose:     req.Purpose,
		Fingerprint: req.Fingerprint,
		Sender:      s.self,
	})
	if err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := s.expectAck(br); err != nil {
		return err
	}

	sent := 0
	for _, p := range req.Payloads {
		for _, content := range p.Contents {
			for off := 0; off < len(content); off += protocol.ChunkSize {
				end := off + protocol.ChunkSize
				if end > len(content) {
					end = len(content)
				}
				chunk := content[off:end]
				s.extend(conn)
				err := protocol.WriteMessage(bw, &protocol.TransferMessage{
					Kind:     protocol.TransferChunk,
					Category: p.Category,
					Data:     chunk,
					Checksum: util.ComputeChecksum(chunk),
				})
				if err != nil {
					return fmt.Errorf("send chunk: %w", err)
				}
				sent += len(chunk)
			}
		}
		if err := protocol.WriteMessage(bw, &protocol.TransferMessage{Kind: protocol.TransferFinish, Category: p.Category}); err != nil {
			return err
		}
	}

	if req.Subscriptions != nil {
		err := protocol.WriteMessage(bw, &protocol.TransferMessage{
			Kind:          protocol.TransferChunk,
			Category:      protocol.CategorySubscriptions,
			Subscriptions: req.Subscriptions,
		})
		if err != nil {
			return err
		}
		if err := protocol.WriteMessage(bw, &protocol.TransferMessage{Kind: protocol.TransferFinish, Category: protocol.CategorySubscriptions}); err != nil {
			return err
		}
	}

	if err := protocol.WriteMessage(bw, &protocol.TransferMessage{Kind: protocol.TransferDone}); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	s.extend(conn)
	if err := s.expectAck(br); err != nil {
		return err
	}

	s.logger.Debug("Transfer completed",
		zap.String("target", target.NodeAddr()),
		zap.String("purpose", string(req.Purpose)),
		zap.Int("bytes", sent))
	return nil
}

func (s *TransferService) extend(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(s.timeout))
}

func (s *TransferService) expectAck(r io.Reader) error {
	var reply protocol.TransferMessage
	if err := protocol.ReadMessage(r, &reply); err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	switch reply.Kind {
	case protocol.TransferAck:
		return nil
	case protocol.TransferNack:
		return errors.TransferRejected(reply.Reason)
	default:
		return fmt.Errorf("%w: unexpected %s", protocol.ErrMalformed, reply.Kind)
	}
}

// receiveState tracks the staged files of one incoming transfer
type receiveState struct {
	staged        map[protocol.Category]*os.File
	finished      map[protocol.Category]bool
	subscriptions map[string][]model.Subscriber
}

func stagingPrefix(c protocol.Category) (string, bool) {
	switch c {
	case protocol.CategoryPrimary:
		return PrefixIncoming, true
	case protocol.CategoryReplica1, protocol.CategoryReplica2:
		return StagedReplicaPrefix(c.ReplicaSlot()), true
	default:
		return "", false
	}
}

func (st *receiveState) discard() {
	for _, f := range st.staged {
		f.Close()
		os.Remove(f.Name())
	}
}

// Receive serves one incoming transfer after the TRANSFER frame. conn is
// used for deadlines; r must be the reader that consumed the frame.
func (s *TransferService) Receive(ctx context.Context, conn net.Conn, r *bufio.Reader) error {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	s.extend(conn)
	var hs protocol.TransferMessage
	if err := protocol.ReadMessage(r, &hs); err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	if hs.Kind != protocol.TransferHandshake {
		return s.nack(conn, hs.Purpose, "expected handshake")
	}
	if reason := s.admit(&hs); reason != "" {
		s.logger.Info("Rejected transfer",
			zap.String("sender", hs.Sender),
			zap.String("purpose", string(hs.Purpose)),
			zap.String("reason", reason))
		return s.nack(conn, hs.Purpose, reason)
	}
	if err := protocol.WriteMessage(conn, &protocol.TransferMessage{Kind: protocol.TransferAck}); err != nil {
		return err
	}

	st := &receiveState{
		staged:   make(map[protocol.Category]*os.File),
		finished: make(map[protocol.Category]bool),
	}
	for {
		s.extend(conn)
		var msg protocol.TransferMessage
		if err := protocol.ReadMessage(r, &msg); err != nil {
			st.discard()
			s.metrics.RecordTransferReceived(string(hs.Purpose), "aborted")
			return fmt.Errorf("read transfer from %s: %w", hs.Sender, err)
		}

		switch msg.Kind {
		case protocol.TransferChunk:
			if err := s.stageChunk(st, &msg); err != nil {
				st.discard()
				return s.nack(conn, hs.Purpose, err.Error())
			}
		case protocol.TransferFinish:
			if f, ok := st.staged[msg.Category]; ok {
				if err := f.Sync(); err != nil {
					st.discard()
					return s.nack(conn, hs.Purpose, err.Error())
				}
			}
			st.finished[msg.Category] = true
		case protocol.TransferDone:
			if err := s.commit(st, &hs); err != nil {
				s.logger.Error("Failed to commit transfer", zap.String("sender", hs.Sender), zap.Error(err))
				return s.nack(conn, hs.Purpose, err.Error())
			}
			s.metrics.RecordTransferReceived(string(hs.Purpose), "success")
			return protocol.WriteMessage(conn, &protocol.TransferMessage{Kind: protocol.TransferAck})
		default:
			st.discard()
			return s.nack(conn, hs.Purpose, fmt.Sprintf("unexpected %s", msg.Kind))
		}
	}
}

// admit returns a rejection reason, or "" to accept
func (s *TransferService) admit(hs *protocol.TransferMessage) string {
	state := s.view.State()
	if state == model.NodeStateUnavailable {
		return "node stopped"
	}
	switch hs.Purpose {
	case protocol.PurposeRebalance:
		return ""
	case protocol.PurposeReplicate:
		if state == model.NodeStateInitializing {
			return ""
		}
		if hs.Fingerprint != s.view.Metadata().Fingerprint() {
			return "topology mismatch"
		}
		return ""
	default:
		return fmt.Sprintf("unknown purpose %q", hs.Purpose)
	}
}

func (s *TransferService) stageChunk(st *receiveState, msg *protocol.TransferMessage) error {
	if msg.Category == protocol.CategorySubscriptions {
		if st.subscriptions == nil {
			st.subscriptions = make(map[string][]model.Subscriber)
		}
		for key, subs := range msg.Subscriptions {
			st.subscriptions[key] = append(st.subscriptions[key], subs...)
		}
		return nil
	}

	prefix, ok := stagingPrefix(msg.Category)
	if !ok {
		return fmt.Errorf("unknown category %q", msg.Category)
	}
	if st.finished[msg.Category] {
		return fmt.Errorf("chunk after finish for %s", msg.Category)
	}
	if !util.ValidateChecksum(msg.Data, msg.Checksum) {
		return errors.ChecksumFailed(msg.Checksum, util.ComputeChecksum(msg.Data))
	}

	f, ok := st.staged[msg.Category]
	if !ok {
		var err error
		if f, err = s.storage.Files().CreateStaging(prefix); err != nil {
			return err
		}
		st.staged[msg.Category] = f
	}
	_, err := f.Write(msg.Data)
	return err
}

// commit installs every finished category. Replica slots are replaced whole;
// primary records are merged.
func (s *TransferService) commit(st *receiveState, hs *protocol.TransferMessage) error {
	for _, f := range st.staged {
		if err := f.Close(); err != nil {
			st.discard()
			return err
		}
	}
	for c := range st.staged {
		if !st.finished[c] {
			st.discard()
			return fmt.Errorf("category %s not finished", c)
		}
	}

	for _, c := range []protocol.Category{protocol.CategoryReplica1, protocol.CategoryReplica2} {
		if !st.finished[c] {
			continue
		}
		if err := s.storage.CommitReplica(c.ReplicaSlot()); err != nil {
			return err
		}
	}
	if st.finished[protocol.CategoryPrimary] {
		if err := s.storage.CommitIncoming(); err != nil {
			return err
		}
		s.view.PrimaryReceived()
	}
	if st.finished[protocol.CategorySubscriptions] && s.storage.Subscriptions() != nil {
		if err := s.storage.Subscriptions().Import(st.subscriptions); err != nil {
			return err
		}
	}

	s.logger.Info("Transfer received",
		zap.String("sender", hs.Sender),
		zap.String("purpose", string(hs.Purpose)),
		zap.Int("categories", len(st.finished)))
	return nil
}

func (s *TransferService) nack(w io.Writer, purpose protocol.TransferPurpose, reason string) error {
	s.metrics.RecordTransferReceived(string(purpose), "rejected")
	if err := protocol.WriteMessage(w, &protocol.TransferMessage{Kind: protocol.TransferNack, Reason: reason}); err != nil {
		return err
	}
	return errors.TransferRejected(reason)
}
