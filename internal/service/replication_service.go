package service

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/pairkv/internal/metrics"
	"github.com/devrev/pairkv/internal/model"
	"github.com/devrev/pairkv/internal/protocol"
	"github.com/devrev/pairkv/internal/ring"
)

// ReplicaCount is the number of successors holding a copy of each partition
const ReplicaCount = 2

// Sender ships a transfer to one peer
type Sender interface {
	Send(ctx context.Context, target ring.KeyRange, req *TransferRequest) error
}

// ReplicationService periodically pushes this node's primary store files to
// its successors: the first successor stores them in replica slot 1, the
// second in slot 2
type ReplicationService struct {
	address string
	port    int
	period  time.Duration
	storage *StorageService
	sender  Sender
	view    NodeView
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// ReplicationConfig holds replication configuration
type ReplicationConfig struct {
	Address string
	Port    int
	Period  time.Duration
}

// NewReplicationService creates a replication service; Start begins the timer
func NewReplicationService(cfg *ReplicationConfig, storage *StorageService, sender Sender, view NodeView, m *metrics.Metrics, logger *zap.Logger) *ReplicationService {
	period := cfg.Period
	if period <= 0 {
		period = 30 * time.Second
	}
	return &ReplicationService{
		address: cfg.Address,
		port:    cfg.Port,
		period:  period,
		storage: storage,
		sender:  sender,
		view:    view,
		metrics: m,
		logger:  logger,
	}
}

// Targets returns the distinct successors that receive replicas, slot order.
// A single node has none; a two node ring only fills slot 1.
func Targets(md *ring.Metadata, self ring.Position) []ring.KeyRange {
	if _, ok := md.Lookup(self); !ok {
		return nil
	}
	return md.Successors(self, ReplicaCount)
}

// Start runs a replication round every period until Stop
func (s *ReplicationService) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.loop(s.stopCh, s.doneCh)
	s.logger.Info("Replication started", zap.Duration("period", s.period))
}

func (s *ReplicationService) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if s.view.State() != model.NodeStateAvailable {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.period)
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Warn("Replication round failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Stop halts the timer and waits for an in-flight round
func (s *ReplicationService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	s.logger.Info("Replication stopped")
}

// RunOnce flushes and compacts local state, then pushes it to both
// successors in parallel. A failed push does not cancel the other; the first
// failure is returned once both are done.
func (s *ReplicationService) RunOnce(ctx context.Context) error {
	md := s.view.Metadata()
	targets := Targets(md, ring.NodePosition(s.address, s.port))
	if len(targets) == 0 {
		return nil
	}

	contents, err := s.storage.SnapshotPrimary()
	if err != nil {
		return err
	}
	fingerprint := md.Fingerprint()

	var g errgroup.Group
	for i, target := range targets {
		slot := i + 1
		target := target
		g.Go(func() error {
			err := s.sender.Send(ctx, target, &TransferRequest{
				Purpose:     protocol.PurposeReplicate,
				Fingerprint: fingerprint,
				Payloads:    []Payload{{Category: protocol.ReplicaCategory(slot), Contents: contents}},
			})
			if err != nil {
				s.metrics.RecordReplication(strconv.Itoa(slot), "failed")
				s.logger.Warn("Replica push failed",
					zap.String("target", target.NodeAddr()),
					zap.Int("slot", slot),
					zap.Error(err))
				return fmt.Errorf("replica slot %d to %s: %w", slot, target.NodeAddr(), err)
			}
			s.metrics.RecordReplication(strconv.Itoa(slot), "success")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.logger.Debug("Replication round completed", zap.Int("targets", len(targets)), zap.Int("files", len(contents)))
	return nil
}
