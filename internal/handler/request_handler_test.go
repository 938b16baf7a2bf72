package handler

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairkv/internal/model"
	"github.com/devrev/pairkv/internal/protocol"
	"github.com/devrev/pairkv/internal/ring"
	"github.com/devrev/pairkv/internal/service"
)

const (
	testHost = "127.0.0.1"
	testPort = 7001
)

type stubView struct {
	md    *ring.Metadata
	state model.NodeState
}

func (v *stubView) Metadata() *ring.Metadata { return v.md }
func (v *stubView) State() model.NodeState   { return v.state }
func (v *stubView) PrimaryReceived()         {}

func newTestStorage(t *testing.T) *service.StorageService {
	t.Helper()
	dir := t.TempDir()
	logger := zap.NewNop()

	commitLog, err := service.NewCommitLogService(&service.CommitLogConfig{}, dir, logger)
	require.NoError(t, err)
	files, err := service.NewStoreFileService(&service.StoreFileConfig{DataDir: dir}, logger)
	require.NoError(t, err)
	subs, err := service.NewSubscriptionService(&service.SubscriptionConfig{DataDir: dir}, nil, logger)
	require.NoError(t, err)

	svc := service.NewStorageService(&service.StorageConfig{}, commitLog,
		service.NewMemTableService(&service.MemTableConfig{}, logger), files,
		service.NewCompactionService(files, logger), subs, nil, nil, nil, logger)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func buildRing(t *testing.T, ports ...int) *ring.Metadata {
	t.Helper()
	md := ring.New()
	for _, port := range ports {
		var err error
		md, _, err = md.AddNode(testHost, port)
		require.NoError(t, err)
	}
	return md
}

func newTestHandler(t *testing.T, view *stubView) *RequestHandler {
	t.Helper()
	return NewRequestHandler(testHost, testPort, view, newTestStorage(t), nil, nil, zap.NewNop())
}

// findKey returns a key whose hash satisfies pred
func findKey(t *testing.T, pred func(h ring.Position) bool) string {
	t.Helper()
	for i := 0; i < 100000; i++ {
		key := fmt.Sprintf("k%d", i)
		if pred(ring.HashKey(key)) {
			return key
		}
	}
	t.Fatal("no key satisfies predicate")
	return ""
}

func TestRequestHandler_StateGates(t *testing.T) {
	md := buildRing(t, testPort)

	tests := []struct {
		name  string
		state model.NodeState
		frame string
		want  protocol.Status
	}{
		{"initializing put", model.NodeStateInitializing, "PUT a b", protocol.StatusServerStopped},
		{"initializing keyrange", model.NodeStateInitializing, "KEYRANGE", protocol.StatusServerStopped},
		{"unavailable get", model.NodeStateUnavailable, "GET a", protocol.StatusServerStopped},
		{"rebalancing put", model.NodeStateRebalancing, "PUT a b", protocol.StatusServerWriteLock},
		{"rebalancing get", model.NodeStateRebalancing, "GET a", protocol.StatusServerWriteLock},
		{"rebalancing subscribe", model.NodeStateRebalancing, "SUBSCRIBE a 127.0.0.1:9000", protocol.StatusServerWriteLock},
		{"rebalancing keyrange", model.NodeStateRebalancing, "KEYRANGE", protocol.StatusKeyRangeSuccess},
		{"rebalancing keyrange read", model.NodeStateRebalancing, "KEYRANGE_READ", protocol.StatusKeyRangeReadSuccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubView{md: md, state: tt.state})
			result := h.HandleFrame(context.Background(), tt.frame)
			assert.Equal(t, tt.want, result.Response.Status)
		})
	}
}

func TestRequestHandler_SingleNode(t *testing.T) {
	md := buildRing(t, testPort)
	h := newTestHandler(t, &stubView{md: md, state: model.NodeStateAvailable})
	ctx := context.Background()

	steps := []struct {
		frame   string
		want    string
		outcome Outcome
	}{
		{"GET missing", "GET_ERROR missing", OutcomeOK},
		{"PUT color blue", "PUT_SUCCESS color blue", OutcomeOK},
		{"PUT color light blue", "PUT_UPDATE color light blue", OutcomeOK},
		{"GET color", "GET_SUCCESS color light blue", OutcomeOK},
		{"PUT color null", "PUT_SUCCESS color null", OutcomeOK},
		{"GET color", "GET_ERROR color", OutcomeOK},
		{"PUT " + strings.Repeat("k", 21) + " v", "", OutcomeFailed},
		{"PUT onlykey", "", OutcomeFailed},
		{"DELETE color", "", OutcomeFailed},
		{"KEYRANGE", "KEYRANGE_SUCCESS " + md.Encode(), OutcomeOK},
		{"KEYRANGE_READ", "KEYRANGE_READ_SUCCESS " + md.EncodeRead(), OutcomeOK},
	}

	for _, step := range steps {
		result := h.HandleFrame(ctx, step.frame)
		assert.Equal(t, step.outcome, result.Outcome, step.frame)
		if step.outcome == OutcomeFailed {
			assert.Equal(t, protocol.StatusFailed, result.Response.Status, step.frame)
			continue
		}
		assert.Equal(t, step.want, result.Frame(), step.frame)
	}
}

func TestRequestHandler_PutRacingRebalance(t *testing.T) {
	// the router saw Available but the engine already entered the handoff
	storage := newTestStorage(t)
	h := NewRequestHandler(testHost, testPort, &stubView{md: buildRing(t, testPort), state: model.NodeStateAvailable}, storage, nil, nil, zap.NewNop())
	storage.SetRebalancing(true)

	result := h.HandleFrame(context.Background(), "PUT color blue")
	assert.Equal(t, OutcomeWriteLocked, result.Outcome)
	assert.Equal(t, protocol.StatusServerWriteLock, result.Response.Status)

	storage.SetRebalancing(false)
	result = h.HandleFrame(context.Background(), "PUT color blue")
	assert.Equal(t, "PUT_SUCCESS color blue", result.Frame())
}

func TestRequestHandler_NotInRing(t *testing.T) {
	md := buildRing(t, 7002, 7003)
	h := newTestHandler(t, &stubView{md: md, state: model.NodeStateAvailable})

	for _, frame := range []string{"PUT a b", "GET a", "SUBSCRIBE a 127.0.0.1:9000"} {
		result := h.HandleFrame(context.Background(), frame)
		assert.Equal(t, OutcomeNotResponsible, result.Outcome, frame)
		assert.Equal(t, "SERVER_NOT_RESPONSIBLE", result.Frame(), frame)
	}
}

func TestRequestHandler_Routing(t *testing.T) {
	md := buildRing(t, testPort, 7002, 7003, 7004, 7005)
	self, ok := md.LookupNode(testHost, testPort)
	require.True(t, ok)
	preds := md.Predecessors(self.From, 2)

	owned := findKey(t, func(h ring.Position) bool { return md.WithinRange(self, h) })
	replicated := findKey(t, func(h ring.Position) bool { return md.WithinRange(preds[1], h) })
	foreign := findKey(t, func(h ring.Position) bool { return !md.ServesRead(self, h) })

	tests := []struct {
		name    string
		frame   string
		outcome Outcome
		status  protocol.Status
	}{
		{"put owned", "PUT " + owned + " v", OutcomeOK, protocol.StatusPutSuccess},
		{"get owned", "GET " + owned, OutcomeOK, protocol.StatusGetSuccess},
		{"put replicated", "PUT " + replicated + " v", OutcomeNotResponsible, protocol.StatusServerNotResponsible},
		{"get replicated", "GET " + replicated, OutcomeOK, protocol.StatusGetError},
		{"put foreign", "PUT " + foreign + " v", OutcomeNotResponsible, protocol.StatusServerNotResponsible},
		{"get foreign", "GET " + foreign, OutcomeNotResponsible, protocol.StatusServerNotResponsible},
		{"subscribe replicated", "SUBSCRIBE " + replicated + " 127.0.0.1:9000", OutcomeNotResponsible, protocol.StatusServerNotResponsible},
	}

	h := newTestHandler(t, &stubView{md: md, state: model.NodeStateAvailable})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := h.HandleFrame(context.Background(), tt.frame)
			assert.Equal(t, tt.outcome, result.Outcome)
			assert.Equal(t, tt.status, result.Response.Status)
		})
	}
}

func TestRequestHandler_Subscriptions(t *testing.T) {
	md := buildRing(t, testPort)
	h := newTestHandler(t, &stubView{md: md, state: model.NodeStateAvailable})
	ctx := context.Background()

	steps := []struct {
		frame string
		want  protocol.Status
	}{
		{"SUBSCRIBE k 127.0.0.1:9000", protocol.StatusSubscribeSuccess},
		{"SUBSCRIBE k 127.0.0.1:9000", protocol.StatusSubscribeSuccess},
		{"UNSUBSCRIBE k 127.0.0.1:9000", protocol.StatusUnsubscribeSuccess},
		{"UNSUBSCRIBE k 127.0.0.1:9000", protocol.StatusSubscribeError},
		{"SUBSCRIBE k not-an-endpoint", protocol.StatusFailed},
		{"SUBSCRIBE k 127.0.0.1:70000", protocol.StatusFailed},
	}

	for _, step := range steps {
		result := h.HandleFrame(ctx, step.frame)
		assert.Equal(t, step.want, result.Response.Status, step.frame)
	}
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "ok", OutcomeOK.String())
	assert.Equal(t, "not_responsible", OutcomeNotResponsible.String())
	assert.Equal(t, "write_locked", OutcomeWriteLocked.String())
	assert.Equal(t, "stopped", OutcomeStopped.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
}
