package node

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/devrev/pairkv/internal/client"
	"github.com/devrev/pairkv/internal/config"
	"github.com/devrev/pairkv/internal/handler"
	"github.com/devrev/pairkv/internal/health"
	"github.com/devrev/pairkv/internal/metrics"
	"github.com/devrev/pairkv/internal/model"
	"github.com/devrev/pairkv/internal/protocol"
	"github.com/devrev/pairkv/internal/ring"
	"github.com/devrev/pairkv/internal/server"
	"github.com/devrev/pairkv/internal/service"
	"github.com/devrev/pairkv/internal/storage/diskmanager"
	"github.com/devrev/pairkv/internal/validation"
)

// Node is one storage node: the engine, its peers and its coordinator session.
//
// Node state and ring metadata are read lock-free by every connection
// goroutine. They are written only by the run loop, which serializes
// coordinator messages and rebalance results.
type Node struct {
	cfg      *config.NodeConfig
	address  string
	port     int
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	logger   *zap.Logger

	state    atomic.Int32
	metadata atomic.Pointer[ring.Metadata]
	// handoff is set when a rebalance delivered primary data since the
	// previous metadata update
	handoff atomic.Bool

	validator   *validation.Validator
	storage     *service.StorageService
	transfer    *service.TransferService
	replication *service.ReplicationService
	rebalance   *service.RebalanceService
	handler     *handler.RequestHandler
	server      *server.TCPServer
	admin       *server.AdminServer
	health      *health.Checker
	disk        *diskmanager.DiskManager
	coordinator *client.CoordinatorClient

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	available     chan struct{}
	availableOnce sync.Once
	shutdown      chan struct{}
	shutdownOnce  sync.Once
	closeOnce     sync.Once
}

// New builds a node and its storage engine from cfg. Nothing listens until Start.
func New(cfg *config.NodeConfig, logger *zap.Logger) (*Node, error) {
	registry := prometheus.NewRegistry()
	nodeID := ring.NodeAddress(cfg.Server.Host, cfg.Server.Port)
	m := metrics.NewMetrics(registry, nodeID)

	n := &Node{
		cfg:       cfg,
		address:   cfg.Server.Host,
		port:      cfg.Server.Port,
		registry:  registry,
		metrics:   m,
		logger:    logger,
		validator: validation.NewValidatorWithLimits(cfg.Storage.MaxKeySize, cfg.Storage.MaxValueSize),
		available: make(chan struct{}),
		shutdown:  make(chan struct{}),
	}
	n.metadata.Store(ring.New())
	n.setState(model.NodeStateInitializing)

	storageSvc, err := n.buildStorage()
	if err != nil {
		return nil, err
	}
	n.storage = storageSvc

	n.server = server.NewTCPServer(&server.TCPServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, n, n, logger)

	n.coordinator = client.NewCoordinatorClient(cfg.Coordinator.Host, cfg.Coordinator.Port, cfg.Replication.DialTimeout, logger)

	if cfg.Metrics.Enabled {
		n.health = health.NewChecker(cfg.Disk.CheckInterval, logger,
			health.DataDirCheck(cfg.Storage.DataDir),
			health.DiskCheck(n.disk, cfg.Disk.WarningThreshold),
			health.Func("coordinator_session", func() (bool, string) {
				s := n.State()
				return s != model.NodeStateUnavailable, s.String()
			}),
		)
		n.admin = server.NewAdminServer(&server.AdminServerConfig{
			Port:              cfg.Metrics.Port,
			Health:            n.health,
			RequestsPerSecond: cfg.Metrics.RequestsPerSecond,
			Burst:             cfg.Metrics.Burst,
		}, registry, n.ready, logger)
	}
	return n, nil
}

func (n *Node) buildStorage() (*service.StorageService, error) {
	cfg := n.cfg
	logger := n.logger

	commitLogSvc, err := service.NewCommitLogService(&service.CommitLogConfig{SyncWrites: cfg.CommitLog.SyncWrites}, cfg.Storage.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize commit log: %w", err)
	}

	memTableSvc := service.NewMemTableService(&service.MemTableConfig{Capacity: cfg.Storage.CacheCapacity}, logger)

	storeFileSvc, err := service.NewStoreFileService(&service.StoreFileConfig{
		DataDir:        cfg.Storage.DataDir,
		RecordsPerFile: cfg.Storage.CacheCapacity,
	}, logger)
	if err != nil {
		commitLogSvc.Close()
		return nil, fmt.Errorf("failed to initialize store files: %w", err)
	}

	compactionSvc := service.NewCompactionService(storeFileSvc, logger)

	subscriptionSvc, err := service.NewSubscriptionService(&service.SubscriptionConfig{
		DataDir:     cfg.Storage.DataDir,
		Workers:     cfg.Notifications.Workers,
		QueueSize:   cfg.Notifications.QueueSize,
		DialTimeout: cfg.Notifications.DialTimeout,
	}, n.metrics, logger)
	if err != nil {
		commitLogSvc.Close()
		return nil, fmt.Errorf("failed to initialize subscriptions: %w", err)
	}

	diskMgr, err := diskmanager.NewDiskManager(&diskmanager.DiskManagerConfig{
		DataDir:                 cfg.Storage.DataDir,
		CheckInterval:           cfg.Disk.CheckInterval,
		WarningThreshold:        cfg.Disk.WarningThreshold,
		CircuitBreakerThreshold: cfg.Disk.CircuitBreakerThreshold,
	}, logger)
	if err != nil {
		logger.Warn("Disk monitoring disabled", zap.Error(err))
		diskMgr = nil
	}
	n.disk = diskMgr

	return service.NewStorageService(
		&service.StorageConfig{CompactEvery: cfg.Storage.CompactionEvery},
		commitLogSvc,
		memTableSvc,
		storeFileSvc,
		compactionSvc,
		subscriptionSvc,
		diskMgr,
		n.validator,
		n.metrics,
		logger,
	), nil
}

// wire builds the services that need this node's final listening port
func (n *Node) wire() {
	self := ring.NodeAddress(n.address, n.port)
	dialer := client.NewNodeClient(n.cfg.Replication.DialTimeout)

	n.transfer = service.NewTransferService(&service.TransferConfig{
		Self:    self,
		Timeout: n.cfg.Replication.TransferTimeout,
	}, dialer, n.storage, n, n.metrics, n.logger)

	n.replication = service.NewReplicationService(&service.ReplicationConfig{
		Address: n.address,
		Port:    n.port,
		Period:  n.cfg.Replication.Period,
	}, n.storage, n.transfer, n, n.metrics, n.logger)

	n.rebalance = service.NewRebalanceService(n.address, n.port, n.storage, n.transfer, n.metrics, n.logger)

	n.handler = handler.NewRequestHandler(n.address, n.port, n, n.storage, n.validator, n.metrics, n.logger)
}

// Start recovers local state, opens the client port, registers with the
// coordinator and returns. The node turns Available asynchronously, once a
// metadata update naming it arrives.
func (n *Node) Start(ctx context.Context) error {
	if err := n.storage.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover storage: %w", err)
	}

	if err := n.server.Listen(); err != nil {
		return err
	}
	if n.port == 0 {
		n.port = n.server.Addr().(*net.TCPAddr).Port
	}
	n.wire()
	n.logger = n.logger.With(zap.String("node", ring.NodeAddress(n.address, n.port)))

	if err := n.server.Start(); err != nil {
		return err
	}
	if n.admin != nil {
		if err := n.admin.Start(); err != nil {
			n.server.Stop()
			return err
		}
	}

	if err := n.coordinator.ConnectWithRetry(ctx, n.cfg.Coordinator.MaxRetries, n.cfg.Coordinator.RetryInterval); err != nil {
		n.stopListeners()
		return err
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())
	messages := make(chan *protocol.CoordinatorMessage)
	n.wg.Add(3)
	go func() {
		defer n.wg.Done()
		n.rebalance.Run(n.ctx)
	}()
	if n.health != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.health.Run(n.ctx)
		}()
	}
	go n.receiveLoop(messages)
	go n.run(messages)

	if err := n.coordinator.Send(&protocol.CoordinatorMessage{
		Status:  protocol.StatusInitRequest,
		Address: n.address,
		Port:    n.port,
	}); err != nil {
		n.Close()
		return err
	}
	n.logger.Info("Node started, waiting for metadata")
	return nil
}

// receiveLoop forwards coordinator messages until the connection drops
func (n *Node) receiveLoop(out chan<- *protocol.CoordinatorMessage) {
	defer n.wg.Done()
	defer close(out)
	for {
		msg, err := n.coordinator.Receive()
		if err != nil {
			select {
			case <-n.ctx.Done():
			default:
				n.logger.Warn("Coordinator connection lost", zap.Error(err))
			}
			return
		}
		select {
		case out <- msg:
		case <-n.ctx.Done():
			return
		}
	}
}

func (n *Node) run(messages <-chan *protocol.CoordinatorMessage) {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				if n.State() != model.NodeStateUnavailable {
					n.logger.Error("Lost coordinator, node is no longer serving")
					n.setState(model.NodeStateUnavailable)
				}
				n.shutdownOnce.Do(func() { close(n.shutdown) })
				return
			}
			n.handleMessage(msg)
		case result := <-n.rebalance.Results():
			n.handleResult(result)
		}
	}
}

func (n *Node) handleMessage(msg *protocol.CoordinatorMessage) {
	switch msg.Status {
	case protocol.StatusMetadataUpdate:
		n.handleUpdate(msg)
	case protocol.StatusMetadataLock:
		n.handleLock(msg)
	case protocol.StatusShutdown:
		n.logger.Info("Coordinator acknowledged departure")
		n.shutdownOnce.Do(func() { close(n.shutdown) })
	case protocol.StatusInvalidRequestType, protocol.StatusInvalidMessageFormat:
		n.logger.Warn("Coordinator rejected a request", zap.String("status", string(msg.Status)))
		if n.State() == model.NodeStateUnavailable {
			// a rejected TERM_REQ gets no SHUTDOWN
			n.shutdownOnce.Do(func() { close(n.shutdown) })
		}
	default:
		n.logger.Warn("Unexpected coordinator message", zap.String("status", string(msg.Status)))
	}
}

func (n *Node) handleUpdate(msg *protocol.CoordinatorMessage) {
	md := msg.Metadata
	if md == nil {
		md = ring.New()
	}
	old := n.metadata.Swap(md)
	handedOff := n.handoff.Swap(false)

	self, ok := md.LookupNode(n.address, n.port)
	n.logger.Info("Metadata updated",
		zap.Int("nodes", md.Len()),
		zap.Bool("member", ok),
		zap.String("fingerprint", md.Fingerprint()))
	if !ok {
		return
	}

	if !handedOff {
		n.promote(old, md, self)
	}
	n.dropUnusedReplicas(md)

	if n.State() == model.NodeStateInitializing {
		n.setState(model.NodeStateAvailable)
		n.replication.Start()
		n.availableOnce.Do(func() { close(n.available) })
		n.logger.Info("Node available", zap.Stringer("position", self.From))
	}
}

// promote moves replica records into the primary set for keys this node
// gained without a handoff, which happens when a predecessor vanished
func (n *Node) promote(old, md *ring.Metadata, self ring.KeyRange) {
	oldSelf, wasMember := old.LookupNode(n.address, n.port)
	if !wasMember || oldSelf.To == self.To {
		return
	}
	acquired := func(key string) bool {
		h := ring.HashKey(key)
		return md.WithinRange(self, h) && !old.WithinRange(oldSelf, h)
	}
	count, err := n.storage.Promote(acquired)
	if err != nil {
		n.logger.Error("Replica promotion failed", zap.Error(err))
		return
	}
	if count > 0 {
		n.logger.Info("Promoted replica records", zap.Int("records", count))
	}
}

// dropUnusedReplicas clears the replica slots a ring this small never
// refreshes: slot N needs N other nodes
func (n *Node) dropUnusedReplicas(md *ring.Metadata) {
	for slot := md.Len(); slot <= service.ReplicaCount; slot++ {
		if err := n.storage.ClearReplicaSlot(slot); err != nil {
			n.logger.Error("Failed to clear replica slot", zap.Int("slot", slot), zap.Error(err))
		}
	}
}

func (n *Node) handleLock(msg *protocol.CoordinatorMessage) {
	if msg.Metadata == nil {
		n.logger.Warn("Metadata lock without metadata")
		return
	}
	if n.State() != model.NodeStateUnavailable {
		n.setState(model.NodeStateRebalancing)
	}
	n.logger.Info("Metadata locked",
		zap.String("peer", ring.NodeAddress(msg.Address, msg.Port)))
	if !n.rebalance.Submit(service.LockRequest{
		Address:  msg.Address,
		Port:     msg.Port,
		Metadata: msg.Metadata,
	}) {
		n.logger.Error("Rebalance already queued, dropping lock")
	}
}

func (n *Node) handleResult(result service.RebalanceResult) {
	if result.Status == model.RebalanceStatusCompleted && result.Metadata != nil {
		n.metadata.Store(result.Metadata)
	}
	if n.State() == model.NodeStateRebalancing {
		n.setState(model.NodeStateAvailable)
	}
	if err := n.coordinator.Send(&protocol.CoordinatorMessage{
		Status:  protocol.StatusRequestFinished,
		Address: n.address,
		Port:    n.port,
	}); err != nil {
		n.logger.Error("Failed to report rebalance completion", zap.Error(err))
	}
}

// Shutdown leaves the ring: it pushes a final replica round, asks the
// coordinator to remove this node, hands its data off when locked, and waits
// for SHUTDOWN before releasing resources
func (n *Node) Shutdown(ctx context.Context) error {
	if n.ctx == nil {
		return n.Close()
	}

	if n.replication != nil {
		n.replication.Stop()
		if n.State() == model.NodeStateAvailable {
			if err := n.replication.RunOnce(ctx); err != nil {
				n.logger.Warn("Final replication round failed", zap.Error(err))
			}
		}
	}
	n.setState(model.NodeStateUnavailable)

	if err := n.coordinator.Send(&protocol.CoordinatorMessage{
		Status:  protocol.StatusTermRequest,
		Address: n.address,
		Port:    n.port,
	}); err != nil {
		n.logger.Warn("Failed to request departure", zap.Error(err))
	} else {
		timer := time.NewTimer(n.cfg.Coordinator.LockTimeout)
		defer timer.Stop()
		select {
		case <-n.shutdown:
		case <-timer.C:
			n.logger.Warn("Timed out waiting for coordinator shutdown")
		case <-ctx.Done():
		}
	}
	return n.Close()
}

// Close releases every resource without contacting the coordinator
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.setState(model.NodeStateUnavailable)
		if n.replication != nil {
			n.replication.Stop()
		}
		if n.cancel != nil {
			n.cancel()
		}
		n.coordinator.Close()
		n.stopListeners()
		n.wg.Wait()
		err = n.storage.Close()
		n.logger.Info("Node stopped")
	})
	return err
}

func (n *Node) stopListeners() {
	if err := n.server.Stop(); err != nil {
		n.logger.Warn("Failed to stop server", zap.Error(err))
	}
	if n.admin != nil {
		if err := n.admin.Stop(); err != nil {
			n.logger.Warn("Failed to stop admin server", zap.Error(err))
		}
	}
}

// Available is closed once the node first serves traffic
func (n *Node) Available() <-chan struct{} {
	return n.available
}

// Done is closed when the coordinator session ends
func (n *Node) Done() <-chan struct{} {
	return n.shutdown
}

// Addr is the client-facing "address:port"
func (n *Node) Addr() string {
	return net.JoinHostPort(n.address, strconv.Itoa(n.port))
}

// Storage exposes the engine
func (n *Node) Storage() *service.StorageService {
	return n.storage
}

// Replication exposes the replica pusher
func (n *Node) Replication() *service.ReplicationService {
	return n.replication
}

// Metadata returns the current ring snapshot
func (n *Node) Metadata() *ring.Metadata {
	return n.metadata.Load()
}

// State returns the lifecycle state
func (n *Node) State() model.NodeState {
	return model.NodeState(n.state.Load())
}

// PrimaryReceived marks that a rebalance handed this node primary data
func (n *Node) PrimaryReceived() {
	n.handoff.Store(true)
}

func (n *Node) setState(s model.NodeState) {
	prev := model.NodeState(n.state.Swap(int32(s)))
	n.metrics.SetNodeState(int(s))
	if prev != s {
		n.logger.Debug("Node state changed", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

func (n *Node) ready() (bool, string) {
	if s := n.State(); s != model.NodeStateAvailable {
		return false, s.String()
	}
	return true, ""
}

// HandleFrame routes a client request
func (n *Node) HandleFrame(ctx context.Context, frame string) handler.Result {
	return n.handler.HandleFrame(ctx, frame)
}

// Receive serves an incoming peer transfer
func (n *Node) Receive(ctx context.Context, conn net.Conn, r *bufio.Reader) error {
	return n.transfer.Receive(ctx, conn, r)
}
