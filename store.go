package offline

import (
	"context"
	"math"
	"reflect"
	"sort"
	"sync"
)

// ============================================================================
// Store
// ============================================================================

// Store is the structured local store mirroring server records. Writes are
// upserts by primary key and fail with *StorageTransactionError when the
// underlying transaction does not commit.
type Store interface {
	// Open ensures both collections and their indexes exist. It is safe to
	// call repeatedly and never drops existing data.
	Open(ctx context.Context) error
	Close() error

	PutRestaurants(ctx context.Context, records []Restaurant) error
	AllRestaurants(ctx context.Context) ([]Restaurant, error)
	RestaurantsByIndex(ctx context.Context, idx Index, value any) ([]Restaurant, error)

	PutReviews(ctx context.Context, records []Review) error
	AllReviews(ctx context.Context) ([]Review, error)
	ReviewsByIndex(ctx context.Context, idx Index, value any) ([]Review, error)

	Count(ctx context.Context, c Collection) (int, error)
	// Delete removes one record by id. Deleting a missing id is not an error.
	Delete(ctx context.Context, c Collection, id int64) error
}

// FreshnessPolicy decides whether local records can be served instead of
// asking the network.
type FreshnessPolicy func(ctx context.Context, s Store, c Collection) (bool, error)

// PresenceImpliesFresh trusts a collection as soon as it holds any record.
// It does not tell stale data from fresh data.
func PresenceImpliesFresh(ctx context.Context, s Store, c Collection) (bool, error) {
	n, err := s.Count(ctx, c)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// NeverFresh always sends reads to the network first.
func NeverFresh(context.Context, Store, Collection) (bool, error) {
	return false, nil
}

// ============================================================================
// Filtering
// ============================================================================

// FilterByField returns the records whose field equals value. Integer kinds
// compare by value, so 1, int64(1) and float64(1) all match restaurant_id 1.
// Unsigned values above math.MaxInt64 match nothing.
func FilterByField[T Record](records []T, field string, value any) []T {
	want := normalizeValue(value)
	out := make([]T, 0, len(records))
	for _, r := range records {
		if reflect.DeepEqual(normalizeValue(r.Field(field)), want) {
			out = append(out, r)
		}
	}
	return out
}

func normalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint:
		if uint64(n) <= math.MaxInt64 {
			return int64(n)
		}
	case uint32:
		return int64(n)
	case uint64:
		if n <= math.MaxInt64 {
			return int64(n)
		}
	case float32:
		if inInt64Range(float64(n)) && float32(int64(n)) == n {
			return int64(n)
		}
		return float64(n)
	case float64:
		if inInt64Range(n) && float64(int64(n)) == n {
			return int64(n)
		}
	case Timestamp:
		return int64(n)
	}
	return v
}

// inInt64Range reports whether f converts to int64 without overflow.
func inInt64Range(f float64) bool {
	return f >= math.MinInt64 && f < math.MaxInt64
}

// Neighborhoods returns the distinct neighborhoods in first-seen order.
func Neighborhoods(restaurants []Restaurant) []string {
	return distinct(restaurants, func(r Restaurant) string { return r.Neighborhood })
}

// Cuisines returns the distinct cuisine types in first-seen order.
func Cuisines(restaurants []Restaurant) []string {
	return distinct(restaurants, func(r Restaurant) string { return r.CuisineType })
}

// FilterRestaurants narrows by cuisine and neighborhood. "all" or "" skips a filter.
func FilterRestaurants(restaurants []Restaurant, cuisine, neighborhood string) []Restaurant {
	out := restaurants
	if cuisine != "" && cuisine != "all" {
		out = FilterByField(out, "cuisine_type", cuisine)
	}
	if neighborhood != "" && neighborhood != "all" {
		out = FilterByField(out, "neighborhood", neighborhood)
	}
	return out
}

// FindRestaurant returns the restaurant with the given id.
func FindRestaurant(restaurants []Restaurant, id int64) (Restaurant, bool) {
	for _, r := range restaurants {
		if r.ID == id {
			return r, true
		}
	}
	return Restaurant{}, false
}

func distinct(restaurants []Restaurant, key func(Restaurant) string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range restaurants {
		k := key(r)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory Store. It does not survive a
// restart; use storage/sqlite for durable state.
type MemoryStore struct {
	mu          sync.RWMutex
	closed      bool
	restaurants map[int64]Restaurant
	reviews     map[int64]Review
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLocked()
}

func (s *MemoryStore) ensureLocked() error {
	if s.closed {
		return ErrStoreClosed
	}
	if s.restaurants == nil {
		s.restaurants = make(map[int64]Restaurant)
	}
	if s.reviews == nil {
		s.reviews = make(map[int64]Review)
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ── Restaurants ──────────────────────────────────────────

func (s *MemoryStore) PutRestaurants(ctx context.Context, records []Restaurant) error {
	if err := ctx.Err(); err != nil {
		return TxError("put", Restaurants, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLocked(); err != nil {
		return TxError("put", Restaurants, err)
	}
	for _, r := range records {
		s.restaurants[r.ID] = r
	}
	return nil
}

func (s *MemoryStore) AllRestaurants(ctx context.Context) ([]Restaurant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]Restaurant, 0, len(s.restaurants))
	for _, r := range s.restaurants {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) RestaurantsByIndex(ctx context.Context, idx Index, value any) ([]Restaurant, error) {
	field, err := IndexField(Restaurants, idx)
	if err != nil {
		return nil, err
	}
	all, err := s.AllRestaurants(ctx)
	if err != nil {
		return nil, err
	}
	return FilterByField(all, field, value), nil
}

// ── Reviews ──────────────────────────────────────────────

func (s *MemoryStore) PutReviews(ctx context.Context, records []Review) error {
	if err := ctx.Err(); err != nil {
		return TxError("put", Reviews, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLocked(); err != nil {
		return TxError("put", Reviews, err)
	}
	for _, r := range records {
		s.reviews[r.ID] = r
	}
	return nil
}

func (s *MemoryStore) AllReviews(ctx context.Context) ([]Review, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]Review, 0, len(s.reviews))
	for _, r := range s.reviews {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ReviewsByIndex(ctx context.Context, idx Index, value any) ([]Review, error) {
	field, err := IndexField(Reviews, idx)
	if err != nil {
		return nil, err
	}
	all, err := s.AllReviews(ctx)
	if err != nil {
		return nil, err
	}
	return FilterByField(all, field, value), nil
}

// ── Shared ───────────────────────────────────────────────

func (s *MemoryStore) Count(ctx context.Context, c Collection) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	switch c {
	case Restaurants:
		return len(s.restaurants), nil
	case Reviews:
		return len(s.reviews), nil
	}
	return 0, ErrUnknownCollection
}

func (s *MemoryStore) Delete(ctx context.Context, c Collection, id int64) error {
	if err := ctx.Err(); err != nil {
		return TxError("delete", c, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLocked(); err != nil {
		return TxError("delete", c, err)
	}
	switch c {
	case Restaurants:
		delete(s.restaurants, id)
	case Reviews:
		delete(s.reviews, id)
	default:
		return TxError("delete", c, ErrUnknownCollection)
	}
	return nil
}
