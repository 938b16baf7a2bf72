package service

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairkv/internal/client"
	"github.com/devrev/pairkv/internal/errors"
	"github.com/devrev/pairkv/internal/model"
	"github.com/devrev/pairkv/internal/protocol"
	"github.com/devrev/pairkv/internal/ring"
)

type transferPeer struct {
	storage  *StorageService
	view     *fakeView
	transfer *TransferService
	target   ring.KeyRange
}

// startTransferPeer serves incoming transfers for a fresh storage engine
func startTransferPeer(t *testing.T, state model.NodeState, md *ring.Metadata) *transferPeer {
	t.Helper()
	storage := newTestStorage(t, t.TempDir(), testStorageOptions{subscriptions: true})
	t.Cleanup(func() { storage.Close() })

	view := &fakeView{md: md, state: state}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	port := ln.Addr().(*net.TCPAddr).Port

	svc := NewTransferService(&TransferConfig{
		Self:    ring.NodeAddress("127.0.0.1", port),
		Timeout: 5 * time.Second,
	}, client.NewNodeClient(time.Second), storage, view, nil, zap.NewNop())

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				fr := protocol.NewFrameReader(conn, 0)
				frame, err := fr.ReadFrame()
				if err != nil || frame != string(protocol.VerbTransfer) {
					return
				}
				svc.Receive(context.Background(), conn, fr.Buffered())
			}()
		}
	}()

	return &transferPeer{
		storage:  storage,
		view:     view,
		transfer: svc,
		target:   ring.KeyRange{Address: "127.0.0.1", Port: port},
	}
}

func newTestSender(t *testing.T) *TransferService {
	t.Helper()
	storage := newTestStorage(t, t.TempDir(), testStorageOptions{})
	t.Cleanup(func() { storage.Close() })
	return NewTransferService(&TransferConfig{Self: "127.0.0.1:1", Timeout: 5 * time.Second},
		client.NewNodeClient(time.Second), storage, &fakeView{state: model.NodeStateAvailable}, nil, zap.NewNop())
}

func testRing(t *testing.T, ports ...int) *ring.Metadata {
	t.Helper()
	md := ring.New()
	for _, port := range ports {
		var err error
		md, _, err = md.AddNode("127.0.0.1", port)
		require.NoError(t, err)
	}
	return md
}

func TestTransferService_ReplicateAdmission(t *testing.T) {
	md := testRing(t, 5001, 5002)
	other := testRing(t, 5001, 5003)

	tests := []struct {
		name        string
		state       model.NodeState
		purpose     protocol.TransferPurpose
		fingerprint string
		accepted    bool
	}{
		{"matching fingerprint", model.NodeStateAvailable, protocol.PurposeReplicate, md.Fingerprint(), true},
		{"stale fingerprint", model.NodeStateAvailable, protocol.PurposeReplicate, other.Fingerprint(), false},
		{"initializing accepts any topology", model.NodeStateInitializing, protocol.PurposeReplicate, other.Fingerprint(), true},
		{"rebalance ignores topology", model.NodeStateRebalancing, protocol.PurposeRebalance, other.Fingerprint(), true},
		{"stopped node refuses", model.NodeStateUnavailable, protocol.PurposeRebalance, md.Fingerprint(), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			peer := startTransferPeer(t, tt.state, md)
			sender := newTestSender(t)

			err := sender.Send(context.Background(), peer.target, &TransferRequest{
				Purpose:     tt.purpose,
				Fingerprint: tt.fingerprint,
				Payloads: []Payload{{
					Category: protocol.CategoryReplica1,
					Contents: [][]byte{[]byte("k\r\nv\r\n")},
				}},
			})

			replica := readPrefix(t, peer.storage.Files(), PrefixReplica1)
			if tt.accepted {
				require.NoError(t, err)
				assert.Equal(t, []model.KeyValueEntry{kv("k", "v")}, replica)
				return
			}
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeTransferRejected, errors.GetCode(err))
			assert.Empty(t, replica)
			assert.Empty(t, readPrefix(t, peer.storage.Files(), PrefixNewReplica1))
		})
	}
}

func TestTransferService_ReplicaSlotIsReplaced(t *testing.T) {
	md := testRing(t, 5001, 5002, 5003)
	peer := startTransferPeer(t, model.NodeStateAvailable, md)
	sender := newTestSender(t)
	writeStoreFile(t, peer.storage.Files(), PrefixReplica2, kv("stale", "v"))

	err := sender.Send(context.Background(), peer.target, &TransferRequest{
		Purpose:     protocol.PurposeReplicate,
		Fingerprint: md.Fingerprint(),
		Payloads: []Payload{{
			Category: protocol.CategoryReplica2,
			Contents: [][]byte{[]byte("a\r\n1\r\n"), []byte("b\r\n2\r\n")},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, keysOf(readPrefix(t, peer.storage.Files(), PrefixReplica2)))
	assert.Empty(t, readPrefix(t, peer.storage.Files(), PrefixReplica1))
	assert.Equal(t, int32(0), peer.view.received.Load())
}

func TestTransferService_RebalanceDeliversPrimaryAndSubscriptions(t *testing.T) {
	md := testRing(t, 5001, 5002)
	peer := startTransferPeer(t, model.NodeStateInitializing, md)
	sender := newTestSender(t)

	sub := model.Subscriber{Address: "127.0.0.1", Port: 9100}
	err := sender.Send(context.Background(), peer.target, &TransferRequest{
		Purpose:     protocol.PurposeRebalance,
		Fingerprint: md.Fingerprint(),
		Payloads: []Payload{
			{Category: protocol.CategoryPrimary, Contents: [][]byte{[]byte("moved\r\nvalue\r\n")}},
			{Category: protocol.CategoryReplica1, Contents: [][]byte{[]byte("r\r\n1\r\n")}},
		},
		Subscriptions: map[string][]model.Subscriber{"moved": {sub}},
	})
	require.NoError(t, err)

	value, found, err := peer.storage.Get(context.Background(), "moved")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "value", value)
	assert.Equal(t, int32(1), peer.view.received.Load())
	assert.Empty(t, readPrefix(t, peer.storage.Files(), PrefixIncoming))

	subs, err := peer.storage.Subscriptions().Subscribers("moved")
	require.NoError(t, err)
	assert.Equal(t, []model.Subscriber{sub}, subs)
}

func TestTransferService_ChunksLargeFiles(t *testing.T) {
	md := testRing(t, 5001, 5002)
	peer := startTransferPeer(t, model.NodeStateAvailable, md)
	sender := newTestSender(t)

	var b strings.Builder
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&b, "key%02d\r\n%s\r\n", i, strings.Repeat("x", 1000))
	}
	content := []byte(b.String())
	require.Greater(t, len(content), 3*protocol.ChunkSize)

	err := sender.Send(context.Background(), peer.target, &TransferRequest{
		Purpose:     protocol.PurposeReplicate,
		Fingerprint: md.Fingerprint(),
		Payloads:    []Payload{{Category: protocol.CategoryReplica1, Contents: [][]byte{content}}},
	})
	require.NoError(t, err)

	records := readPrefix(t, peer.storage.Files(), PrefixReplica1)
	assert.Len(t, records, 50)
	for _, r := range records {
		assert.Len(t, r.Value, 1000)
	}
}

func TestTransferService_UnreachablePeer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	sender := newTestSender(t)
	err = sender.Send(context.Background(), ring.KeyRange{Address: "127.0.0.1", Port: port}, &TransferRequest{
		Purpose: protocol.PurposeRebalance,
	})
	assert.Error(t, err)
}
