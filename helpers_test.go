package offline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// ============================================================================
// Test Helpers
// ============================================================================

const (
	testAppOrigin = "http://app.test"
	testAPIBase   = "http://api.test"
)

var errNetworkDown = errors.New("network unreachable")

// fakeNetwork is a RoundTripper that answers through handler and counts
// every request that reaches it.
type fakeNetwork struct {
	mu      sync.Mutex
	calls   []string
	handler http.Handler
	down    bool
}

func newFakeNetwork(handler http.HandlerFunc) *fakeNetwork {
	return &fakeNetwork{handler: handler}
}

func (f *fakeNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Method+" "+req.URL.Path)
	down := f.down
	f.mu.Unlock()
	if down {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, errNetworkDown
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

func (f *fakeNetwork) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeNetwork) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

// failingStore wraps a Store and fails the selected operations.
type failingStore struct {
	Store
	mu         sync.Mutex
	failPut    bool
	failDelete bool
}

var errDiskFull = errors.New("disk full")

func (s *failingStore) fail(put bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if put {
		return s.failPut
	}
	return s.failDelete
}

func (s *failingStore) PutRestaurants(ctx context.Context, records []Restaurant) error {
	if s.fail(true) {
		return TxError("put", Restaurants, errDiskFull)
	}
	return s.Store.PutRestaurants(ctx, records)
}

func (s *failingStore) PutReviews(ctx context.Context, records []Review) error {
	if s.fail(true) {
		return TxError("put", Reviews, errDiskFull)
	}
	return s.Store.PutReviews(ctx, records)
}

func (s *failingStore) Delete(ctx context.Context, c Collection, id int64) error {
	if s.fail(false) {
		return TxError("delete", c, errDiskFull)
	}
	return s.Store.Delete(ctx, c, id)
}

func (s *failingStore) set(put, del bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPut = put
	s.failDelete = del
}

func newTestCore(t *testing.T, network *fakeNetwork, store Store) *Core {
	t.Helper()
	if store == nil {
		store = NewMemoryStore()
	}
	core, err := New(context.Background(), Options{
		AppOrigin:  testAppOrigin,
		APIBaseURL: testAPIBase,
		Store:      store,
		Transport:  network,
	})
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	t.Cleanup(func() { _ = core.Close() })
	return core
}

func writeTestJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return data
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(readBody(t, resp), &v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return v
}

func sampleRestaurants() []Restaurant {
	return []Restaurant{
		{ID: 1, Name: "Mission Chinese Food", Neighborhood: "Manhattan", CuisineType: "Asian"},
		{ID: 2, Name: "Emily", Neighborhood: "Brooklyn", CuisineType: "Pizza"},
		{ID: 3, Name: "Kang Ho Dong Baekjeong", Neighborhood: "Manhattan", CuisineType: "Asian"},
	}
}

// reviewAPI is a minimal upstream for POST /reviews. It assigns ids from
// nextID and remembers idempotency keys.
type reviewAPI struct {
	mu       sync.Mutex
	nextID   int64
	received []ReviewSubmission
	keys     map[string]Review
	reject   func(ReviewSubmission) bool
}

func newReviewAPI(nextID int64) *reviewAPI {
	return &reviewAPI{nextID: nextID, keys: make(map[string]Review)}
}

func (a *reviewAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/reviews" {
		http.NotFound(w, r)
		return
	}
	var sub ReviewSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeTestJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.received = append(a.received, sub)
	if a.reject != nil && a.reject(sub) {
		writeTestJSON(w, http.StatusInternalServerError, map[string]string{"error": "boom"})
		return
	}
	key := r.Header.Get(IdempotencyHeader)
	if review, ok := a.keys[key]; ok && key != "" {
		writeTestJSON(w, http.StatusCreated, review)
		return
	}
	review := Review{
		ID:           a.nextID,
		RestaurantID: sub.RestaurantID,
		Name:         sub.Name,
		Rating:       sub.Rating,
		Comments:     sub.Comments,
		CreatedAt:    1700000000000,
		UpdatedAt:    1700000000000,
	}
	a.nextID++
	if key != "" {
		a.keys[key] = review
	}
	writeTestJSON(w, http.StatusCreated, review)
}

func (a *reviewAPI) submissions() []ReviewSubmission {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ReviewSubmission(nil), a.received...)
}
