package ingestion

import (
	"context"
	"errors"
	"fmt"

	"SolvencyLedger/internal/event"
	"SolvencyLedger/internal/observability"

	"golang.org/x/time/rate"
)

// ErrThrottled is returned when manual injection exceeds its rate limit.
var ErrThrottled = errors.New("ingestion: rate limit exceeded")

// Submitter hands an event to the core and waits for the outcome.
type Submitter interface {
	Submit(ctx context.Context, evt event.Event) (Result, error)
}

// GRPCIngestService injects events through the RPC surface. It is meant for
// operators and backfills; bulk traffic goes through NATS.
type GRPCIngestService struct {
	sink    Submitter
	limiter *rate.Limiter
	metrics *observability.Metrics
}

// NewGRPCIngestService limits injection to perSecond events with the given
// burst. A non-positive perSecond disables the limit.
func NewGRPCIngestService(sink Submitter, perSecond float64, burst int, metrics *observability.Metrics) *GRPCIngestService {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &GRPCIngestService{
		sink:    sink,
		limiter: rate.NewLimiter(limit, burst),
		metrics: metrics,
	}
}

// Inject decodes payload as eventType, validates it and applies it. The
// payload uses the same JSON wire format as the NATS subjects.
func (s *GRPCIngestService) Inject(ctx context.Context, eventType string, payload []byte) (Result, error) {
	if !s.limiter.Allow() {
		if s.metrics != nil {
			s.metrics.IngestThrottled.Inc()
		}
		return Result{Sequence: -1}, ErrThrottled
	}

	et, ok := event.ParseEventType(eventType)
	if !ok {
		return Result{Sequence: -1}, fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, eventType)
	}
	evt, err := ParseRawEvent(RawEvent{Data: payload}, et)
	if err != nil {
		return Result{Sequence: -1}, err
	}

	res, err := s.sink.Submit(ctx, evt)
	if err != nil {
		return res, err
	}
	return res, res.Err
}
