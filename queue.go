package offline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeferredQueue is the view over the reviews collection holding reviews the
// server has not acknowledged yet. It has no storage of its own.
type DeferredQueue struct {
	store Store
	ids   *localIDs
	now   func() time.Time
}

// NewDeferredQueue creates a queue view over store.
func NewDeferredQueue(store Store) *DeferredQueue {
	return &DeferredQueue{store: store, ids: &localIDs{}, now: time.Now}
}

// DeferredLister is implemented by stores that can list deferred reviews
// without reading the whole collection.
type DeferredLister interface {
	DeferredReviews(ctx context.Context) ([]Review, error)
}

// Pending returns every deferred review, in no particular order.
func (q *DeferredQueue) Pending(ctx context.Context) ([]Review, error) {
	if lister, ok := q.store.(DeferredLister); ok {
		pending, err := lister.DeferredReviews(ctx)
		if err != nil {
			return nil, fmt.Errorf("read deferred reviews: %w", err)
		}
		return pending, nil
	}
	all, err := q.store.AllReviews(ctx)
	if err != nil {
		return nil, fmt.Errorf("read reviews: %w", err)
	}
	return FilterByField(all, "deferred", true), nil
}

// Len returns the number of deferred reviews.
func (q *DeferredQueue) Len(ctx context.Context) (int, error) {
	pending, err := q.Pending(ctx)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

// Defer stores sub as a deferred review and returns the stored record.
// createdAt and updatedAt are the current time. The local id follows the
// clock but strictly decreases, so reviews deferred within the same
// millisecond get ids a step apart from their timestamps.
func (q *DeferredQueue) Defer(ctx context.Context, sub ReviewSubmission) (Review, error) {
	now := q.now()
	review := Review{
		ID:             q.ids.next(now),
		RestaurantID:   sub.RestaurantID,
		Name:           sub.Name,
		Rating:         sub.Rating,
		Comments:       sub.Comments,
		CreatedAt:      Timestamp(now.UnixMilli()),
		UpdatedAt:      Timestamp(now.UnixMilli()),
		Deferred:       true,
		LocalID:        "local-" + uuid.NewString(),
		IdempotencyKey: uuid.NewString(),
	}
	if err := q.store.PutReviews(ctx, []Review{review}); err != nil {
		return Review{}, err
	}
	return review, nil
}

// Confirm replaces the deferred review with the server's canonical record.
// The canonical record is written first so a failed delete leaves both
// copies rather than neither.
func (q *DeferredQueue) Confirm(ctx context.Context, deferred, confirmed Review) error {
	confirmed.Deferred = false
	confirmed.LocalID = ""
	confirmed.IdempotencyKey = ""
	if err := q.store.PutReviews(ctx, []Review{confirmed}); err != nil {
		return err
	}
	if confirmed.ID == deferred.ID {
		return nil
	}
	return q.store.Delete(ctx, Reviews, deferred.ID)
}

// localIDs hands out ids below zero so they can never collide with
// server-assigned ids. Ids follow the wall clock and strictly decrease.
type localIDs struct {
	mu   sync.Mutex
	last int64
}

func (g *localIDs) next(now time.Time) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := -now.UnixMilli()
	if g.last != 0 && id >= g.last {
		id = g.last - 1
	}
	g.last = id
	return id
}
