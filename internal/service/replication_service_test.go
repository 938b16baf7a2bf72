package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairkv/internal/model"
	"github.com/devrev/pairkv/internal/protocol"
	"github.com/devrev/pairkv/internal/ring"
)

func TestTargets(t *testing.T) {
	self := ring.NodePosition(selfHost, selfPort)

	tests := []struct {
		name  string
		ports []int
		want  int
	}{
		{"alone", []int{selfPort}, 0},
		{"two nodes", []int{selfPort, 6002}, 1},
		{"three nodes", []int{selfPort, 6002, 6003}, 2},
		{"five nodes", []int{selfPort, 6002, 6003, 6004, 6005}, 2},
		{"not a member", []int{6002, 6003}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			md := testRing(t, tt.ports...)
			targets := Targets(md, self)
			assert.Len(t, targets, tt.want)
			if tt.want > 0 {
				assert.Equal(t, md.Successors(self, tt.want), targets)
			}
		})
	}
}

func replicaTo(slot int) interface{} {
	return mock.MatchedBy(func(req *TransferRequest) bool {
		return req.Purpose == protocol.PurposeReplicate &&
			len(req.Payloads) == 1 &&
			req.Payloads[0].Category == protocol.ReplicaCategory(slot)
	})
}

func TestReplicationService_RunOncePushesToBothSuccessors(t *testing.T) {
	storage := newTestStorage(t, t.TempDir(), testStorageOptions{})
	defer storage.Close()
	seedKeys(t, storage, 5)

	md := testRing(t, selfPort, 6002, 6003, 6004)
	succ := md.Successors(ring.NodePosition(selfHost, selfPort), 2)

	sender := new(MockSender)
	sender.On("Send", mock.Anything, succ[0], replicaTo(1)).Return(nil).Once()
	sender.On("Send", mock.Anything, succ[1], replicaTo(2)).Return(nil).Once()

	svc := NewReplicationService(&ReplicationConfig{Address: selfHost, Port: selfPort, Period: time.Hour},
		storage, sender, &fakeView{md: md, state: model.NodeStateAvailable}, nil, zap.NewNop())

	require.NoError(t, svc.RunOnce(context.Background()))
	sender.AssertExpectations(t)

	req := sender.Calls[0].Arguments.Get(2).(*TransferRequest)
	assert.Equal(t, md.Fingerprint(), req.Fingerprint)
	assert.Len(t, parseContents(t, req.Payloads[0].Contents), 5)
}

func TestReplicationService_FailedPushDoesNotStopOther(t *testing.T) {
	storage := newTestStorage(t, t.TempDir(), testStorageOptions{})
	defer storage.Close()

	md := testRing(t, selfPort, 6002, 6003)
	succ := md.Successors(ring.NodePosition(selfHost, selfPort), 2)

	failed := make(chan struct{})
	var otherCtxErr error
	sender := new(MockSender)
	sender.On("Send", mock.Anything, succ[0], mock.Anything).
		Run(func(mock.Arguments) { close(failed) }).
		Return(fmt.Errorf("topology mismatch")).Once()
	sender.On("Send", mock.Anything, succ[1], mock.Anything).
		Run(func(args mock.Arguments) {
			select {
			case <-failed:
			case <-time.After(5 * time.Second):
			}
			otherCtxErr = args.Get(0).(context.Context).Err()
		}).
		Return(nil).Once()

	svc := NewReplicationService(&ReplicationConfig{Address: selfHost, Port: selfPort, Period: time.Hour},
		storage, sender, &fakeView{md: md, state: model.NodeStateAvailable}, nil, zap.NewNop())

	err := svc.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replica slot 1")
	assert.Contains(t, err.Error(), "topology mismatch")
	assert.NoError(t, otherCtxErr, "the healthy push is not cancelled")
	sender.AssertExpectations(t)
}

func TestReplicationService_SingleNodeSendsNothing(t *testing.T) {
	storage := newTestStorage(t, t.TempDir(), testStorageOptions{})
	defer storage.Close()
	sender := new(MockSender)

	svc := NewReplicationService(&ReplicationConfig{Address: selfHost, Port: selfPort},
		storage, sender, &fakeView{md: testRing(t, selfPort), state: model.NodeStateAvailable}, nil, zap.NewNop())

	require.NoError(t, svc.RunOnce(context.Background()))
	sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestReplicationService_StartStop(t *testing.T) {
	storage := newTestStorage(t, t.TempDir(), testStorageOptions{})
	defer storage.Close()

	md := testRing(t, selfPort, 6002)
	sender := new(MockSender)
	pushed := make(chan struct{}, 16)
	sender.On("Send", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			select {
			case pushed <- struct{}{}:
			default:
			}
		}).
		Return(nil)

	svc := NewReplicationService(&ReplicationConfig{Address: selfHost, Port: selfPort, Period: 20 * time.Millisecond},
		storage, sender, &fakeView{md: md, state: model.NodeStateAvailable}, nil, zap.NewNop())

	svc.Start()
	select {
	case <-pushed:
	case <-time.After(5 * time.Second):
		t.Fatal("replication timer never fired")
	}
	svc.Stop()
	svc.Stop()
}
