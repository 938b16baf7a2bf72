package service

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairkv/internal/model"
	"github.com/devrev/pairkv/internal/protocol"
)

func newTestSubscriptions(t *testing.T) *SubscriptionService {
	t.Helper()
	svc, err := NewSubscriptionService(&SubscriptionConfig{
		DataDir:     t.TempDir(),
		Workers:     2,
		QueueSize:   16,
		DialTimeout: time.Second,
	}, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestSubscriptionService_SubscribeUnsubscribe(t *testing.T) {
	svc := newTestSubscriptions(t)
	a := model.Subscriber{Address: "10.0.0.1", Port: 7000}
	b := model.Subscriber{Address: "10.0.0.2", Port: 7000}

	require.NoError(t, svc.Subscribe("k", a))
	require.NoError(t, svc.Subscribe("k", a))
	require.NoError(t, svc.Subscribe("k", b))

	subs, err := svc.Subscribers("k")
	require.NoError(t, err)
	assert.Equal(t, []model.Subscriber{a, b}, subs)

	removed, err := svc.Unsubscribe("k", a)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = svc.Unsubscribe("k", a)
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = svc.Unsubscribe("k", b)
	require.NoError(t, err)
	assert.True(t, removed)

	subs, err = svc.Subscribers("k")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestSubscriptionService_ExtractAndImport(t *testing.T) {
	svc := newTestSubscriptions(t)
	sub := model.Subscriber{Address: "127.0.0.1", Port: 9000}

	for _, key := range []string{"a1", "a2", "b1", "a3", "b2"} {
		require.NoError(t, svc.Subscribe(key, sub))
	}

	extracted, err := svc.Extract(func(key string) bool { return strings.HasPrefix(key, "a") })
	require.NoError(t, err)
	assert.Len(t, extracted, 3)
	for _, key := range []string{"a1", "a2", "a3"} {
		assert.Equal(t, []model.Subscriber{sub}, extracted[key], key)
		subs, err := svc.Subscribers(key)
		require.NoError(t, err)
		assert.Empty(t, subs, key)
	}
	for _, key := range []string{"b1", "b2"} {
		subs, err := svc.Subscribers(key)
		require.NoError(t, err)
		assert.Equal(t, []model.Subscriber{sub}, subs, key)
	}

	other := model.Subscriber{Address: "127.0.0.1", Port: 9001}
	extracted["b1"] = []model.Subscriber{sub, other}
	require.NoError(t, svc.Import(extracted))

	subs, err := svc.Subscribers("b1")
	require.NoError(t, err)
	assert.Equal(t, []model.Subscriber{sub, other}, subs, "import merges without duplicates")
	subs, err = svc.Subscribers("a2")
	require.NoError(t, err)
	assert.Equal(t, []model.Subscriber{sub}, subs)
}

func TestSubscriptionService_NotifyOnPut(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	frames := make(chan string, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			frame, err := protocol.NewFrameReader(conn, 0).ReadFrame()
			conn.Close()
			if err == nil {
				frames <- frame
			}
		}
	}()

	svc := newTestStorage(t, t.TempDir(), testStorageOptions{subscriptions: true})
	defer svc.Close()
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, svc.Subscriptions().Subscribe("watched", model.Subscriber{Address: "127.0.0.1", Port: port}))

	ctx := context.Background()
	_, err = svc.Put(ctx, "watched", "first")
	require.NoError(t, err)

	select {
	case frame := <-frames:
		assert.Equal(t, "KV_NOTIFICATION watched null first", frame)
	case <-time.After(5 * time.Second):
		t.Fatal("no notification received")
	}

	_, err = svc.Put(ctx, "watched", "second")
	require.NoError(t, err)

	select {
	case frame := <-frames:
		assert.Equal(t, "KV_NOTIFICATION watched first second", frame)
	case <-time.After(5 * time.Second):
		t.Fatal("no notification received")
	}
}
