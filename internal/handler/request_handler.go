package handler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairkv/internal/errors"
	"github.com/devrev/pairkv/internal/metrics"
	"github.com/devrev/pairkv/internal/model"
	"github.com/devrev/pairkv/internal/protocol"
	"github.com/devrev/pairkv/internal/ring"
	"github.com/devrev/pairkv/internal/service"
	"github.com/devrev/pairkv/internal/validation"
)

// Outcome classifies a routing decision
type Outcome int

const (
	OutcomeOK Outcome = iota
	// OutcomeNotResponsible tells the caller to refresh its ring and retry elsewhere
	OutcomeNotResponsible
	OutcomeWriteLocked
	OutcomeStopped
	// OutcomeFailed is a protocol error; the connection stays open
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeNotResponsible:
		return "not_responsible"
	case OutcomeWriteLocked:
		return "write_locked"
	case OutcomeStopped:
		return "stopped"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the router's answer to one request
type Result struct {
	Outcome  Outcome
	Response protocol.Response
}

// Frame renders the response frame without terminator
func (r Result) Frame() string {
	return r.Response.String()
}

func ok(status protocol.Status, key, value string) Result {
	return Result{Outcome: OutcomeOK, Response: protocol.Response{Status: status, Key: key, Value: value}}
}

func notResponsible() Result {
	return Result{Outcome: OutcomeNotResponsible, Response: protocol.Response{Status: protocol.StatusServerNotResponsible}}
}

func writeLocked() Result {
	return Result{Outcome: OutcomeWriteLocked, Response: protocol.Response{Status: protocol.StatusServerWriteLock}}
}

func stopped() Result {
	return Result{Outcome: OutcomeStopped, Response: protocol.Response{Status: protocol.StatusServerStopped}}
}

func failed(reason string) Result {
	return Result{Outcome: OutcomeFailed, Response: protocol.Response{Status: protocol.StatusFailed, Value: reason}}
}

// RequestHandler routes client requests against the node's current ring view
type RequestHandler struct {
	address   string
	port      int
	view      service.NodeView
	storage   *service.StorageService
	validator *validation.Validator
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewRequestHandler creates a new request handler
func NewRequestHandler(address string, port int, view service.NodeView, storage *service.StorageService, validator *validation.Validator, m *metrics.Metrics, logger *zap.Logger) *RequestHandler {
	if validator == nil {
		validator = validation.NewValidator()
	}
	return &RequestHandler{
		address:   address,
		port:      port,
		view:      view,
		storage:   storage,
		validator: validator,
		metrics:   m,
		logger:    logger,
	}
}

// HandleFrame parses and routes one text frame
func (h *RequestHandler) HandleFrame(ctx context.Context, frame string) Result {
	req, err := protocol.ParseRequest(frame)
	if err != nil {
		h.metrics.RecordRequest("invalid", OutcomeFailed.String(), 0)
		return failed(err.Error())
	}
	return h.Handle(ctx, req)
}

// Handle routes one parsed request
func (h *RequestHandler) Handle(ctx context.Context, req protocol.Request) Result {
	start := time.Now()
	result := h.route(ctx, req)
	h.metrics.RecordRequest(string(req.Verb), string(result.Response.Status), time.Since(start).Seconds())

	h.logger.Debug("Handled request",
		zap.String("verb", string(req.Verb)),
		zap.String("key", req.Key),
		zap.String("outcome", result.Outcome.String()))
	return result
}

func (h *RequestHandler) route(ctx context.Context, req protocol.Request) Result {
	state := h.view.State()
	if state == model.NodeStateUnavailable || state == model.NodeStateInitializing {
		return stopped()
	}

	md := h.view.Metadata()
	switch req.Verb {
	case protocol.VerbKeyRange:
		return ok(protocol.StatusKeyRangeSuccess, "", md.Encode())
	case protocol.VerbKeyRangeRead:
		return ok(protocol.StatusKeyRangeReadSuccess, "", md.EncodeRead())
	}

	if state == model.NodeStateRebalancing {
		return writeLocked()
	}
	if err := h.validator.ValidateKey(req.Key); err != nil {
		return failed(err.Error())
	}

	self, registered := md.LookupNode(h.address, h.port)
	if !registered {
		return notResponsible()
	}
	hash := ring.HashKey(req.Key)

	switch req.Verb {
	case protocol.VerbPut:
		if err := h.validator.ValidateValue(req.Value); err != nil {
			return failed(err.Error())
		}
		if !md.WithinRange(self, hash) {
			return notResponsible()
		}
		return h.put(ctx, req)

	case protocol.VerbGet:
		if !md.ServesRead(self, hash) {
			return notResponsible()
		}
		return h.get(ctx, req)

	case protocol.VerbSubscribe, protocol.VerbUnsubscribe:
		if !md.WithinRange(self, hash) {
			return notResponsible()
		}
		return h.subscription(req)

	default:
		return failed("unsupported command " + string(req.Verb))
	}
}

func (h *RequestHandler) put(ctx context.Context, req protocol.Request) Result {
	status, err := h.storage.Put(ctx, req.Key, req.Value)
	if err != nil {
		if errors.GetCode(err) == errors.ErrCodeWriteLocked {
			return writeLocked()
		}
		if errors.IsClientError(err) {
			return failed(err.Error())
		}
		h.logger.Error("Put failed", zap.String("key", req.Key), zap.Error(err))
		return ok(protocol.StatusPutError, req.Key, req.Value)
	}

	if status == model.PutStatusUpdate {
		return ok(protocol.StatusPutUpdate, req.Key, req.Value)
	}
	return ok(protocol.StatusPutSuccess, req.Key, req.Value)
}

func (h *RequestHandler) get(ctx context.Context, req protocol.Request) Result {
	value, found, err := h.storage.Get(ctx, req.Key)
	if err != nil {
		h.logger.Error("Get failed", zap.String("key", req.Key), zap.Error(err))
		return ok(protocol.StatusGetError, req.Key, "")
	}
	if !found {
		return ok(protocol.StatusGetError, req.Key, "")
	}
	return ok(protocol.StatusGetSuccess, req.Key, value)
}

func (h *RequestHandler) subscription(req protocol.Request) Result {
	subs := h.storage.Subscriptions()
	if subs == nil {
		return ok(protocol.StatusSubscribeError, req.Key, "")
	}
	sub, err := h.validator.ParseSubscriber(req.Subscriber)
	if err != nil {
		return failed(err.Error())
	}

	if req.Verb == protocol.VerbSubscribe {
		if err := subs.Subscribe(req.Key, sub); err != nil {
			h.logger.Error("Subscribe failed", zap.String("key", req.Key), zap.Error(err))
			return ok(protocol.StatusSubscribeError, req.Key, "")
		}
		return ok(protocol.StatusSubscribeSuccess, req.Key, "")
	}

	removed, err := subs.Unsubscribe(req.Key, sub)
	if err != nil || !removed {
		return ok(protocol.StatusSubscribeError, req.Key, "")
	}
	return ok(protocol.StatusUnsubscribeSuccess, req.Key, "")
}
