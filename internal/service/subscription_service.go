package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"go.uber.org/zap"

	"github.com/devrev/pairkv/internal/metrics"
	"github.com/devrev/pairkv/internal/model"
	"github.com/devrev/pairkv/internal/protocol"
	"github.com/devrev/pairkv/internal/util/workerpool"
)

// SubscriptionsFileName is the bolt database holding subscriber lists
const SubscriptionsFileName = "subscriptions.db"

var subscriptionsBucket = []byte("subscriptions")

// SubscriptionService keeps the subscriber list of every key this node owns
// and delivers change notifications through a bounded worker pool
type SubscriptionService struct {
	db          *bolt.DB
	pool        *workerpool.WorkerPool
	dialTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// SubscriptionConfig holds notification delivery configuration
type SubscriptionConfig struct {
	DataDir     string
	Workers     int
	QueueSize   int
	DialTimeout time.Duration
}

// NewSubscriptionService opens (or creates) the subscriber database in DataDir
func NewSubscriptionService(cfg *SubscriptionConfig, m *metrics.Metrics, logger *zap.Logger) (*SubscriptionService, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bolt.Open(filepath.Join(cfg.DataDir, SubscriptionsFileName), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open subscriptions database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(subscriptionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create subscriptions bucket: %w", err)
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 2 * time.Second
	}

	return &SubscriptionService{
		db: db,
		pool: workerpool.NewWorkerPool(&workerpool.Config{
			Name:        "notifications",
			MaxWorkers:  cfg.Workers,
			QueueSize:   cfg.QueueSize,
			TaskTimeout: 2 * dialTimeout,
			Logger:      logger,
		}),
		dialTimeout: dialTimeout,
		metrics:     m,
		logger:      logger,
	}, nil
}

func decodeSubscribers(raw []byte) ([]model.Subscriber, error) {
	if raw == nil {
		return nil, nil
	}
	var subs []model.Subscriber
	if err := json.Unmarshal(raw, &subs); err != nil {
		return nil, fmt.Errorf("corrupt subscriber list: %w", err)
	}
	return subs, nil
}

func putSubscribers(b *bolt.Bucket, key string, subs []model.Subscriber) error {
	if len(subs) == 0 {
		return b.Delete([]byte(key))
	}
	raw, err := json.Marshal(subs)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), raw)
}

// Subscribe adds sub to key's list; subscribing twice is a no-op
func (s *SubscriptionService) Subscribe(key string, sub model.Subscriber) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(subscriptionsBucket)
		subs, err := decodeSubscribers(b.Get([]byte(key)))
		if err != nil {
			return err
		}
		for _, existing := range subs {
			if existing == sub {
				return nil
			}
		}
		return putSubscribers(b, key, append(subs, sub))
	})
}

// Unsubscribe removes sub from key's list and reports whether it was present
func (s *SubscriptionService) Unsubscribe(key string, sub model.Subscriber) (bool, error) {
	removed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(subscriptionsBucket)
		subs, err := decodeSubscribers(b.Get([]byte(key)))
		if err != nil {
			return err
		}
		kept := subs[:0]
		for _, existing := range subs {
			if existing == sub {
				removed = true
				continue
			}
			kept = append(kept, existing)
		}
		if !removed {
			return nil
		}
		return putSubscribers(b, key, kept)
	})
	return removed, err
}

// Subscribers returns key's subscribers
func (s *SubscriptionService) Subscribers(key string) ([]model.Subscriber, error) {
	var subs []model.Subscriber
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		subs, err = decodeSubscribers(tx.Bucket(subscriptionsBucket).Get([]byte(key)))
		return err
	})
	return subs, err
}

// Extract removes and returns the lists of every key for which moves returns true
func (s *SubscriptionService) Extract(moves func(key string) bool) (map[string][]model.Subscriber, error) {
	out := make(map[string][]model.Subscriber)
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(subscriptionsBucket).Cursor()
		for k, v := c.First(); k != nil; {
			key := string(k)
			if !moves(key) {
				k, v = c.Next()
				continue
			}
			subs, err := decodeSubscribers(v)
			if err != nil {
				return err
			}
			out[key] = subs
			if err := c.Delete(); err != nil {
				return err
			}
			// Next after Delete skips an item, so reposition explicitly
			k, v = c.Seek([]byte(key))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Import merges lists received from another node
func (s *SubscriptionService) Import(lists map[string][]model.Subscriber) error {
	if len(lists) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(subscriptionsBucket)
		for key, incoming := range lists {
			subs, err := decodeSubscribers(b.Get([]byte(key)))
			if err != nil {
				return err
			}
			for _, sub := range incoming {
				present := false
				for _, existing := range subs {
					if existing == sub {
						present = true
						break
					}
				}
				if !present {
					subs = append(subs, sub)
				}
			}
			if err := putSubscribers(b, key, subs); err != nil {
				return err
			}
		}
		return nil
	})
}

// Notify queues a change notification to every subscriber of key.
// Delivery is best effort: a full queue or an unreachable subscriber drops it.
func (s *SubscriptionService) Notify(key, oldValue, newValue string) {
	subs, err := s.Subscribers(key)
	if err != nil {
		s.logger.Warn("Failed to load subscribers", zap.String("key", key), zap.Error(err))
		return
	}
	if len(subs) == 0 {
		return
	}

	frame := protocol.NotificationFrame(key, oldValue, newValue)
	for _, sub := range subs {
		sub := sub
		ok := s.pool.TrySubmit(workerpool.Task{
			ID: key + "->" + sub.String(),
			Fn: func(ctx context.Context) error {
				err := s.deliver(ctx, sub, frame)
				if err != nil {
					s.metrics.RecordNotification("failed")
				} else {
					s.metrics.RecordNotification("sent")
				}
				return err
			},
		})
		if !ok {
			s.metrics.RecordNotification("dropped")
			s.logger.Debug("Notification queue full", zap.String("key", key), zap.String("subscriber", sub.String()))
		}
	}
}

func (s *SubscriptionService) deliver(ctx context.Context, sub model.Subscriber, frame string) error {
	dialer := net.Dialer{Timeout: s.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", sub.String())
	if err != nil {
		return fmt.Errorf("dial subscriber %s: %w", sub, err)
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(s.dialTimeout))
	return protocol.WriteFrame(conn, frame)
}

// Close stops notification delivery and closes the database
func (s *SubscriptionService) Close() error {
	if err := s.pool.Stop(5 * time.Second); err != nil {
		s.logger.Warn("Notification pool did not drain", zap.Error(err))
	}
	return s.db.Close()
}
