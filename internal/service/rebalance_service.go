package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairkv/internal/errors"
	"github.com/devrev/pairkv/internal/metrics"
	"github.com/devrev/pairkv/internal/model"
	"github.com/devrev/pairkv/internal/protocol"
	"github.com/devrev/pairkv/internal/ring"
)

// LockRequest is a METADATA_LOCK as seen by the rebalancer. Address and Port
// name the joining node, or this node itself when it is leaving.
type LockRequest struct {
	Address  string
	Port     int
	Metadata *ring.Metadata
}

// RebalanceResult reports one finished rebalance
type RebalanceResult struct {
	Type     model.RebalanceType
	Status   model.RebalanceStatus
	Target   string
	Metadata *ring.Metadata
	Duration time.Duration
	Err      error
}

// RebalanceService owns the single goroutine that executes rebalances.
// Lock requests arrive on a channel and results leave on another, so at most
// one rebalance runs at a time.
type RebalanceService struct {
	address string
	port    int
	storage *StorageService
	sender  Sender
	metrics *metrics.Metrics
	logger  *zap.Logger

	requests chan LockRequest
	results  chan RebalanceResult
}

// NewRebalanceService creates a rebalance service; Run consumes its requests
func NewRebalanceService(address string, port int, storage *StorageService, sender Sender, m *metrics.Metrics, logger *zap.Logger) *RebalanceService {
	return &RebalanceService{
		address:  address,
		port:     port,
		storage:  storage,
		sender:   sender,
		metrics:  m,
		logger:   logger,
		requests: make(chan LockRequest, 1),
		results:  make(chan RebalanceResult, 1),
	}
}

// Submit queues a lock request. It returns false if a rebalance is already queued.
func (s *RebalanceService) Submit(req LockRequest) bool {
	select {
	case s.requests <- req:
		return true
	default:
		return false
	}
}

// Results delivers one result per submitted request
func (s *RebalanceService) Results() <-chan RebalanceResult {
	return s.results
}

// Run executes queued requests until ctx is done
func (s *RebalanceService) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.requests:
			result := s.Execute(ctx, req)
			select {
			case s.results <- result:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Execute runs the rebalance sequence: dump, compact, partition against the
// new metadata, ship the moving records, delete them locally. On a failed
// handoff the moving records are returned to the primary set.
func (s *RebalanceService) Execute(ctx context.Context, req LockRequest) RebalanceResult {
	start := time.Now()
	leave := req.Address == s.address && req.Port == s.port
	result := RebalanceResult{Type: model.RebalanceTypeJoin, Metadata: req.Metadata}
	if leave {
		result.Type = model.RebalanceTypeLeave
	}

	finish := func(err error) RebalanceResult {
		result.Duration = time.Since(start)
		result.Status = model.RebalanceStatusCompleted
		if err != nil {
			result.Status = model.RebalanceStatusFailed
			result.Err = err
			s.logger.Error("Rebalance failed",
				zap.String("type", string(result.Type)),
				zap.String("target", result.Target),
				zap.Error(err))
		} else {
			s.logger.Info("Rebalance completed",
				zap.String("type", string(result.Type)),
				zap.String("target", result.Target),
				zap.Duration("duration", result.Duration))
		}
		s.metrics.RecordRebalance(string(result.Type), string(result.Status), result.Duration.Seconds())
		return result
	}

	target, stays, err := s.plan(req, leave)
	if err != nil {
		return finish(errors.RebalanceFailed(string(model.RebalancePhasePartition), err))
	}
	result.Target = target.NodeAddr()

	s.storage.SetRebalancing(true)
	defer s.storage.SetRebalancing(false)

	s.logger.Info("Rebalance started",
		zap.String("type", string(result.Type)),
		zap.String("target", result.Target))

	if err := s.storage.FlushAndCompact(); err != nil {
		return finish(errors.RebalanceFailed(string(model.RebalancePhaseCompact), err))
	}

	moved, err := s.storage.Partition(stays)
	if err != nil {
		return finish(errors.RebalanceFailed(string(model.RebalancePhasePartition), err))
	}

	transfer := &TransferRequest{
		Purpose:       protocol.PurposeRebalance,
		Fingerprint:   req.Metadata.Fingerprint(),
		Payloads:      []Payload{{Category: protocol.CategoryPrimary, Contents: moved}},
		Subscriptions: map[string][]model.Subscriber{},
	}
	if leave {
		// the heir keeps slot N only while it has N other nodes; otherwise
		// the slot's records are the heir's own
		for _, slot := range []int{1, 2} {
			if slot >= req.Metadata.Len() {
				break
			}
			contents, err := s.storage.SnapshotReplica(slot)
			if err != nil {
				s.storage.FinishPartition(false)
				return finish(errors.RebalanceFailed(string(model.RebalancePhasePartition), err))
			}
			transfer.Payloads = append(transfer.Payloads, Payload{Category: protocol.ReplicaCategory(slot), Contents: contents})
		}
	}

	subs := s.storage.Subscriptions()
	if subs != nil {
		extracted, err := subs.Extract(func(key string) bool { return !stays(key) })
		if err != nil {
			s.storage.FinishPartition(false)
			return finish(errors.RebalanceFailed(string(model.RebalancePhasePartition), err))
		}
		transfer.Subscriptions = extracted
	}

	if err := s.sender.Send(ctx, target, transfer); err != nil {
		if rerr := s.storage.FinishPartition(false); rerr != nil {
			s.logger.Error("Failed to restore partitioned files", zap.Error(rerr))
		}
		if subs != nil {
			if ierr := subs.Import(transfer.Subscriptions); ierr != nil {
				s.logger.Error("Failed to restore subscriptions", zap.Error(ierr))
			}
		}
		return finish(errors.RebalanceFailed(string(model.RebalancePhaseTransfer), err))
	}

	if err := s.storage.FinishPartition(true); err != nil {
		return finish(errors.RebalanceFailed(string(model.RebalancePhaseCleanup), err))
	}
	if leave {
		if err := s.storage.ClearReplicas(); err != nil {
			return finish(errors.RebalanceFailed(string(model.RebalancePhaseCleanup), err))
		}
	}
	return finish(nil)
}

// plan picks the receiver and the keep predicate. A join keeps what still
// falls in this node's shrunken range; a leave keeps nothing and hands
// everything to the node now owning this node's old position.
func (s *RebalanceService) plan(req LockRequest, leave bool) (ring.KeyRange, func(string) bool, error) {
	md := req.Metadata
	if md.Len() == 0 {
		return ring.KeyRange{}, nil, ring.ErrEmptyRing
	}

	if leave {
		target, _ := md.Owner(ring.NodePosition(s.address, s.port))
		return target, func(string) bool { return false }, nil
	}

	target, ok := md.LookupNode(req.Address, req.Port)
	if !ok {
		return ring.KeyRange{}, nil, fmt.Errorf("joining node %s: %w", ring.NodeAddress(req.Address, req.Port), ring.ErrNodeNotFound)
	}
	self, ok := md.LookupNode(s.address, s.port)
	if !ok {
		return ring.KeyRange{}, nil, fmt.Errorf("this node: %w", ring.ErrNodeNotFound)
	}
	stays := func(key string) bool {
		return md.WithinRange(self, ring.HashKey(key))
	}
	return target, stays, nil
}
