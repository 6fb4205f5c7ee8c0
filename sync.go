package offline

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SyncFailure records one deferred review that could not be reconciled.
type SyncFailure struct {
	Review Review
	Err    error
}

// SyncReport summarizes one drain of the deferred queue.
type SyncReport struct {
	// Skipped is set when another drain was already running. That drain
	// makes one more pass over the queue before it returns.
	Skipped bool
	// Passes counts the scans of the queue, more than one when drains were
	// requested while this one ran.
	Passes    int
	Attempted int
	Confirmed []Review
	// Failed holds the failures of the last pass. Reviews that failed in
	// an earlier pass were retried by the later one.
	Failed []SyncFailure
}

// Syncer replays deferred reviews against the server. Each review is an
// independent unit of work; a failure leaves it deferred until the next
// drain. Replays carry the review's idempotency key, so delivery is
// at-least-once against servers that ignore it.
type Syncer struct {
	queue  *DeferredQueue
	client *Client
	events *Emitter
	logger *log.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	running bool
	rerun   bool
}

// NewSyncer creates a Syncer draining queue through client.
func NewSyncer(queue *DeferredQueue, client *Client, events *Emitter, logger *log.Logger) *Syncer {
	if logger == nil {
		logger = discardLogger
	}
	return &Syncer{
		queue:  queue,
		client: client,
		events: events,
		logger: logger,
		tracer: defaultTracer(),
	}
}

// Drain submits every deferred review concurrently and reconciles the local
// store with the results. A Drain called while another is running returns
// a skipped report at once and the running drain scans the queue again.
// The error is only set when the queue itself cannot be read; per-review
// failures are in the report.
func (s *Syncer) Drain(ctx context.Context) (SyncReport, error) {
	s.mu.Lock()
	if s.running {
		s.rerun = true
		s.mu.Unlock()
		return SyncReport{Skipped: true}, nil
	}
	s.running = true
	s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "sync.drain")
	defer span.End()

	var report SyncReport
	for {
		s.mu.Lock()
		s.rerun = false
		s.mu.Unlock()

		report.Passes++
		confirmed, failed, err := s.drainPass(ctx)
		report.Confirmed = append(report.Confirmed, confirmed...)
		report.Failed = failed

		s.mu.Lock()
		again := err == nil && s.rerun
		if !again {
			s.running = false
			s.rerun = false
		}
		s.mu.Unlock()

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return report, err
		}
		if !again {
			break
		}
	}
	report.Attempted = len(report.Confirmed) + len(report.Failed)

	sort.Slice(report.Confirmed, func(i, j int) bool { return report.Confirmed[i].ID < report.Confirmed[j].ID })
	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].Review.ID > report.Failed[j].Review.ID })

	span.SetAttributes(attribute.Int("sync.passes", report.Passes))
	s.logger.Printf("sync: drained passes=%d attempted=%d confirmed=%d failed=%d",
		report.Passes, report.Attempted, len(report.Confirmed), len(report.Failed))
	s.events.emit(EventSyncComplete, map[string]any{
		"passes":    report.Passes,
		"attempted": report.Attempted,
		"confirmed": len(report.Confirmed),
		"failed":    len(report.Failed),
	})
	return report, nil
}

// drainPass replays the reviews deferred at the time of the call.
func (s *Syncer) drainPass(ctx context.Context) ([]Review, []SyncFailure, error) {
	pending, err := s.queue.Pending(ctx)
	if err != nil {
		s.logger.Printf("sync: read deferred queue: %v", err)
		return nil, nil, err
	}
	s.events.emit(EventSyncStart, map[string]any{"pending": len(pending)})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		confirmed []Review
		failed    []SyncFailure
	)
	for _, review := range pending {
		wg.Add(1)
		go func(review Review) {
			defer wg.Done()
			created, err := s.replay(ctx, review)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, SyncFailure{Review: review, Err: err})
				return
			}
			confirmed = append(confirmed, created)
		}(review)
	}
	wg.Wait()
	return confirmed, failed, nil
}

func (s *Syncer) replay(ctx context.Context, deferred Review) (Review, error) {
	ctx, span := s.tracer.Start(ctx, "sync.replay", trace.WithAttributes(
		attribute.Int64("review.local_id", deferred.ID),
		attribute.Int64("review.restaurant_id", deferred.RestaurantID),
	))
	defer span.End()

	confirmed, err := s.submit(ctx, deferred)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Printf("sync: review id=%d restaurant_id=%d not submitted: %v", deferred.ID, deferred.RestaurantID, err)
		s.events.emit(EventSyncFailed, map[string]any{"review": deferred, "error": err.Error()})
		return Review{}, err
	}
	s.logger.Printf("sync: review id=%d confirmed as id=%d", deferred.ID, confirmed.ID)
	s.events.emit(EventSyncConfirmed, map[string]any{"localId": deferred.ID, "review": confirmed})
	return confirmed, nil
}

func (s *Syncer) submit(ctx context.Context, deferred Review) (Review, error) {
	created, err := s.client.SubmitReview(ctx, deferred.Submission(), deferred.IdempotencyKey)
	if err != nil {
		return Review{}, err
	}
	if created.ID <= 0 {
		return Review{}, fmt.Errorf("server returned review without an id")
	}
	if err := s.queue.Confirm(ctx, deferred, *created); err != nil {
		return Review{}, err
	}
	confirmed := *created
	confirmed.Deferred = false
	return confirmed, nil
}
