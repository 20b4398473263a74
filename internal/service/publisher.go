package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/richardliu001/realtime-relay/internal/channel"
	"github.com/richardliu001/realtime-relay/internal/envelope"
	"github.com/richardliu001/realtime-relay/internal/model"
	"github.com/richardliu001/realtime-relay/internal/repo"
	"github.com/richardliu001/realtime-relay/internal/schema"
	"github.com/richardliu001/realtime-relay/internal/transport/realtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultBatchLimit = 100
	MaxBatchLimit     = 500

	maxReasonLength = 512
	reasonTruncated = "... (truncated)"

	tracerName = "github.com/richardliu001/realtime-relay/internal/service"
)

// Failure reason prefixes recorded on failed rows.
const (
	ReasonPayloadTooLarge = "PAYLOAD_TOO_LARGE"
	ReasonTransportError  = "TRANSPORT_ERROR"
	ReasonInvalidEvent    = "INVALID_EVENT"
	ReasonInvalidTenant   = "INVALID_TENANT"
)

var ErrTransportRequired = errors.New("transport is required")

// BatchResult is the summary returned to the publish trigger.
type BatchResult struct {
	Published            int   `json:"published"`
	Failed               int   `json:"failed"`
	Skipped              int   `json:"skipped"`
	OldestPendingSeconds int64 `json:"oldestPendingSeconds"`
}

// ClampLimit bounds a requested batch size to [1, MaxBatchLimit].
func ClampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > MaxBatchLimit {
		return MaxBatchLimit
	}
	return limit
}

// Publisher drains pending outbox rows into the transport. Any number of
// publishers may run against the same store; each claims a disjoint set.
type Publisher struct {
	store     repo.OutboxStore
	transport realtime.Publisher
	registry  *schema.Registry
	limiter   *rate.Limiter
	log       *zap.SugaredLogger
	tracer    trace.Tracer
	now       func() time.Time
}

type PublisherOption func(*Publisher)

// WithRegistry rejects rows whose payload does not match its event type.
func WithRegistry(r *schema.Registry) PublisherOption {
	return func(p *Publisher) { p.registry = r }
}

// WithPublishRate caps transport publishes per second for this publisher.
func WithPublishRate(rps float64, burst int) PublisherOption {
	return func(p *Publisher) {
		if rps <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithTracer(t trace.Tracer) PublisherOption {
	return func(p *Publisher) {
		if t != nil {
			p.tracer = t
		}
	}
}

func WithPublisherClock(now func() time.Time) PublisherOption {
	return func(p *Publisher) {
		if now != nil {
			p.now = now
		}
	}
}

func NewPublisher(store repo.OutboxStore, transport realtime.Publisher, logger *zap.SugaredLogger, opts ...PublisherOption) (*Publisher, error) {
	if transport == nil {
		return nil, ErrTransportRequired
	}
	p := &Publisher{
		store:     store,
		transport: transport,
		log:       logger,
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

type outcome int

const (
	outcomePublished outcome = iota
	outcomeFailed
	outcomeSkipped
	outcomeInterrupted
)

// PublishBatch claims up to limit pending rows and publishes them one at a
// time, committing each row's terminal state as soon as it is known. A
// failing row is marked failed and never stops its siblings. Only store
// errors are returned, together with the counts committed so far.
//
// When ctx ends mid-batch the in-flight row and the rest of the claim are
// left pending and the partial summary is returned.
func (p *Publisher) PublishBatch(ctx context.Context, limit int) (BatchResult, error) {
	limit = ClampLimit(limit)
	ctx, span := p.tracer.Start(ctx, "outbox.publish_batch", trace.WithAttributes(attribute.Int("outbox.limit", limit)))
	defer span.End()

	var res BatchResult
	age, err := p.store.OldestPendingAge(ctx, p.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read pending queue")
		return res, fmt.Errorf("read pending queue: %w", err)
	}
	res.OldestPendingSeconds = int64(age / time.Second)

	err = p.store.ClaimPending(ctx, limit, func(ctx context.Context, batch repo.ClaimedBatch) error {
		events := batch.Events()
		for i, evt := range events {
			if ctx.Err() != nil {
				p.log.Warnw("publish batch interrupted", "left_pending", len(events)-i, "error", ctx.Err())
				return nil
			}
			out, err := p.publishOne(ctx, batch, evt)
			if err != nil {
				return err
			}
			switch out {
			case outcomePublished:
				res.Published++
			case outcomeFailed:
				res.Failed++
			case outcomeSkipped:
				res.Skipped++
			case outcomeInterrupted:
				p.log.Warnw("publish batch interrupted", "left_pending", len(events)-i, "error", ctx.Err())
				return nil
			}
		}
		return nil
	})
	span.SetAttributes(
		attribute.Int("outbox.published", res.Published),
		attribute.Int("outbox.failed", res.Failed),
		attribute.Int("outbox.skipped", res.Skipped),
		attribute.Int64("outbox.oldest_pending_seconds", res.OldestPendingSeconds),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim pending")
		return res, fmt.Errorf("publish batch: %w", err)
	}

	if res.Published+res.Failed+res.Skipped > 0 {
		p.log.Infow("outbox batch done",
			"published", res.Published, "failed", res.Failed, "skipped", res.Skipped,
			"oldest_pending_seconds", res.OldestPendingSeconds)
	}
	return res, nil
}

// publishOne moves one claimed row to a terminal state. The error return is
// reserved for store write failures, which end the batch.
func (p *Publisher) publishOne(ctx context.Context, batch repo.ClaimedBatch, evt model.OutboxEvent) (outcome, error) {
	held, err := batch.Hold(ctx, evt.ID)
	if err != nil {
		p.log.Warnw("renew outbox claim", "id", evt.ID, "error", err)
		return outcomeSkipped, nil
	}
	if !held {
		return outcomeSkipped, nil
	}

	raw, err := envelope.Encode(envelope.Build(evt))
	if err != nil {
		return p.fail(ctx, batch, evt, fmt.Sprintf("%s: %v", ReasonInvalidEvent, err))
	}
	switch envelope.CheckSize(len(raw)) {
	case envelope.SizeTooLarge:
		return p.fail(ctx, batch, evt, envelope.TooLargeReason(len(raw)))
	case envelope.SizeWarn:
		p.log.Warnw("envelope above soft size cap",
			"id", evt.ID, "event_type", evt.EventType, "bytes", len(raw), "soft_cap", envelope.WarnBytes)
	}

	if p.registry != nil {
		if err := p.registry.ValidatePayload(evt.EventType, evt.Payload); err != nil {
			return p.fail(ctx, batch, evt, fmt.Sprintf("%s: %v", ReasonInvalidEvent, err))
		}
	}

	ch, err := channel.For(evt.TenantID)
	if err != nil {
		return p.fail(ctx, batch, evt, fmt.Sprintf("%s: %v", ReasonInvalidTenant, err))
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return outcomeInterrupted, nil
		}
	}

	if err := p.transport.Publish(ctx, ch, evt.EventType, raw); err != nil {
		if ctx.Err() != nil {
			return outcomeInterrupted, nil
		}
		return p.fail(ctx, batch, evt, fmt.Sprintf("%s: %v", ReasonTransportError, err))
	}

	ok, err := batch.MarkPublished(ctx, evt.ID, p.now())
	if err != nil {
		return outcomeSkipped, err
	}
	if !ok {
		return outcomeSkipped, nil
	}
	return outcomePublished, nil
}

func (p *Publisher) fail(ctx context.Context, batch repo.ClaimedBatch, evt model.OutboxEvent, reason string) (outcome, error) {
	reason = truncateReason(reason)
	ok, err := batch.MarkFailed(ctx, evt.ID, reason)
	if err != nil {
		return outcomeSkipped, err
	}
	if !ok {
		return outcomeSkipped, nil
	}
	p.log.Warnw("outbox event failed", "id", evt.ID, "tenant", evt.TenantID, "event_type", evt.EventType, "reason", reason)
	return outcomeFailed, nil
}

func truncateReason(reason string) string {
	if len(reason) <= maxReasonLength {
		return reason
	}
	cut := reason[:maxReasonLength-len(reasonTruncated)]
	return strings.ToValidUTF8(cut, "") + reasonTruncated
}
