package offline

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

func deferReviews(t *testing.T, core *Core, subs ...ReviewSubmission) []Review {
	t.Helper()
	var out []Review
	for _, sub := range subs {
		review, err := core.Queue.Defer(context.Background(), sub)
		if err != nil {
			t.Fatalf("defer: %v", err)
		}
		out = append(out, review)
	}
	return out
}

func TestDrainConfirmsDeferredReviews(t *testing.T) {
	api := newReviewAPI(42)
	core := newTestCore(t, newFakeNetwork(api.ServeHTTP), nil)
	ctx := context.Background()
	deferred := deferReviews(t, core, ReviewSubmission{RestaurantID: 1, Name: "A", Rating: 5, Comments: "Great"})

	var confirmed []any
	core.Events.On(EventSyncConfirmed, func(_ string, payload any) { confirmed = append(confirmed, payload) })

	report, err := core.Syncer.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Skipped || report.Attempted != 1 || len(report.Confirmed) != 1 || len(report.Failed) != 0 {
		t.Fatalf("report = %+v, want one confirmed review", report)
	}
	if report.Confirmed[0].ID != 42 || report.Confirmed[0].Deferred {
		t.Fatalf("confirmed = %+v, want server record 42", report.Confirmed[0])
	}
	if len(confirmed) != 1 {
		t.Fatalf("confirmed events = %d, want 1", len(confirmed))
	}

	stored, err := core.Store.AllReviews(ctx)
	if err != nil {
		t.Fatalf("all reviews: %v", err)
	}
	if len(stored) != 1 || stored[0].ID != 42 {
		t.Fatalf("store = %+v, want only review 42", stored)
	}
	for _, r := range stored {
		if r.ID == deferred[0].ID {
			t.Fatalf("deferred id %d still stored", r.ID)
		}
	}
}

func TestDrainSendsIdempotencyKeyAndSubmission(t *testing.T) {
	var (
		mu   sync.Mutex
		keys []string
	)
	api := newReviewAPI(1)
	network := newFakeNetwork(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get(IdempotencyHeader))
		mu.Unlock()
		api.ServeHTTP(w, r)
	})
	core := newTestCore(t, network, nil)
	deferred := deferReviews(t, core, ReviewSubmission{RestaurantID: 3, Name: "Bo", Rating: 2, Comments: "meh"})

	if _, err := core.Syncer.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(keys) != 1 || keys[0] != deferred[0].IdempotencyKey {
		t.Fatalf("keys = %v, want %q", keys, deferred[0].IdempotencyKey)
	}
	subs := api.submissions()
	if len(subs) != 1 || subs[0] != deferred[0].Submission() {
		t.Fatalf("submissions = %+v, want %+v", subs, deferred[0].Submission())
	}
}

func TestDrainFailureDoesNotBlockOthers(t *testing.T) {
	api := newReviewAPI(100)
	api.reject = func(sub ReviewSubmission) bool { return sub.RestaurantID == 1 }
	core := newTestCore(t, newFakeNetwork(api.ServeHTTP), nil)
	ctx := context.Background()
	deferReviews(t, core,
		ReviewSubmission{RestaurantID: 1, Name: "first", Rating: 1},
		ReviewSubmission{RestaurantID: 2, Name: "second", Rating: 5},
	)

	report, err := core.Syncer.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Attempted != 2 || len(report.Confirmed) != 1 || len(report.Failed) != 1 {
		t.Fatalf("report = %+v, want one confirmed and one failed", report)
	}
	if report.Confirmed[0].RestaurantID != 2 {
		t.Fatalf("confirmed = %+v, want restaurant 2", report.Confirmed[0])
	}
	var statusErr *StatusError
	if !errors.As(report.Failed[0].Err, &statusErr) || statusErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("failure = %v, want 500 status error", report.Failed[0].Err)
	}

	pending, err := core.Queue.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].RestaurantID != 1 {
		t.Fatalf("pending = %+v, want the failed review", pending)
	}
}

func TestDrainRetriesWithSameKeyAfterLocalFailure(t *testing.T) {
	api := newReviewAPI(7)
	store := &failingStore{Store: NewMemoryStore()}
	core := newTestCore(t, newFakeNetwork(api.ServeHTTP), store)
	ctx := context.Background()
	deferReviews(t, core, ReviewSubmission{RestaurantID: 4, Name: "Cy", Rating: 4})

	// The server accepts the review but the local cleanup fails.
	store.set(false, true)
	report, err := core.Syncer.Drain(ctx)
	if err != nil {
		t.Fatalf("first drain: %v", err)
	}
	if len(report.Failed) != 1 {
		t.Fatalf("first report = %+v, want a failure", report)
	}

	store.set(false, false)
	report, err = core.Syncer.Drain(ctx)
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if len(report.Confirmed) != 1 || report.Confirmed[0].ID != 7 {
		t.Fatalf("second report = %+v, want review 7 confirmed", report)
	}
	if n := len(api.keys); n != 1 {
		t.Fatalf("server created %d reviews, want 1", n)
	}
	stored, err := core.Store.AllReviews(ctx)
	if err != nil {
		t.Fatalf("all reviews: %v", err)
	}
	if len(stored) != 1 || stored[0].ID != 7 {
		t.Fatalf("store = %+v, want only review 7", stored)
	}
}

func TestDrainRejectsServerRecordWithoutID(t *testing.T) {
	network := newFakeNetwork(func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusCreated, map[string]any{"name": "no id"})
	})
	core := newTestCore(t, network, nil)
	deferReviews(t, core, ReviewSubmission{RestaurantID: 1, Name: "A", Rating: 5})

	report, err := core.Syncer.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(report.Failed) != 1 {
		t.Fatalf("report = %+v, want a failure", report)
	}
	if n, _ := core.Queue.Len(context.Background()); n != 1 {
		t.Fatalf("queue len = %d, want 1", n)
	}
}

func TestDrainEmptyQueue(t *testing.T) {
	network := newFakeNetwork(nil)
	core := newTestCore(t, network, nil)

	report, err := core.Syncer.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Skipped || report.Attempted != 0 {
		t.Fatalf("report = %+v, want empty drain", report)
	}
	if network.count() != 0 {
		t.Fatalf("network calls = %d, want 0", network.count())
	}
}

// blockingNetwork holds the first request until release is closed.
func blockingNetwork(api http.Handler) (network *fakeNetwork, entered, release chan struct{}) {
	entered = make(chan struct{})
	release = make(chan struct{})
	var once sync.Once
	network = newFakeNetwork(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			close(entered)
			<-release
		})
		api.ServeHTTP(w, r)
	})
	return network, entered, release
}

func TestDrainRequestedWhileRunningScansAgain(t *testing.T) {
	network, entered, release := blockingNetwork(newReviewAPI(1))
	core := newTestCore(t, network, nil)
	ctx := context.Background()
	deferReviews(t, core, ReviewSubmission{RestaurantID: 1, Name: "A", Rating: 5})

	done := make(chan SyncReport)
	go func() {
		report, _ := core.Syncer.Drain(ctx)
		done <- report
	}()
	<-entered

	// B is deferred after the running pass read the queue.
	late := deferReviews(t, core, ReviewSubmission{RestaurantID: 2, Name: "B", Rating: 3})
	report, err := core.Syncer.Drain(ctx)
	if err != nil {
		t.Fatalf("overlapping drain: %v", err)
	}
	if !report.Skipped {
		t.Fatalf("report = %+v, want skipped", report)
	}
	close(release)

	var first SyncReport
	select {
	case first = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("first drain did not finish")
	}
	if first.Passes != 2 || first.Attempted != 2 || len(first.Confirmed) != 2 || len(first.Failed) != 0 {
		t.Fatalf("first report = %+v, want both reviews confirmed over two passes", first)
	}
	if n, _ := core.Queue.Len(ctx); n != 0 {
		t.Fatalf("queue len = %d, want 0", n)
	}
	stored, _ := core.Store.AllReviews(ctx)
	for _, r := range stored {
		if r.ID == late[0].ID {
			t.Fatalf("review deferred during the drain is still stored as %d", r.ID)
		}
	}
}

func TestOnlineReportDuringDrainReplaysLaterReview(t *testing.T) {
	network, entered, release := blockingNetwork(newReviewAPI(1))
	core := newTestCore(t, network, nil)
	ctx := context.Background()
	deferReviews(t, core, ReviewSubmission{RestaurantID: 1, Name: "A", Rating: 5})

	core.Connectivity.Set(true)
	<-entered

	core.Connectivity.Set(false)
	resp, err := core.HTTPClient().Post(testAPIBase+"/reviews", "application/json",
		strings.NewReader(`{"restaurant_id":2,"name":"B","rating":3,"comments":"late"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != StatusDeferred {
		t.Fatalf("status = %d, want deferred", resp.StatusCode)
	}
	core.Connectivity.Set(true)

	close(release)
	core.Wait()

	pending, err := core.Queue.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending = %+v, want both reviews replayed", pending)
	}
	if n, _ := core.Store.Count(ctx, Reviews); n != 2 {
		t.Fatalf("store count = %d, want 2", n)
	}
}

func TestDrainReadFailureIsReturned(t *testing.T) {
	store := NewMemoryStore()
	core := newTestCore(t, newFakeNetwork(nil), store)
	store.Close()

	if _, err := core.Syncer.Drain(context.Background()); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("err = %v, want ErrStoreClosed", err)
	}
}

func TestConnectivityTransitionsTriggerDrain(t *testing.T) {
	api := newReviewAPI(1)
	network := newFakeNetwork(api.ServeHTTP)
	core := newTestCore(t, network, nil)
	deferReviews(t, core, ReviewSubmission{RestaurantID: 1, Name: "A", Rating: 5})

	core.Connectivity.Set(false)
	core.Wait()
	if network.count() != 0 {
		t.Fatalf("offline transition made %d requests", network.count())
	}

	core.Connectivity.Set(true)
	core.Wait()
	if network.count() != 1 {
		t.Fatalf("online transition made %d requests, want 1", network.count())
	}

	// A repeated online report is not a transition but still drains.
	deferReviews(t, core, ReviewSubmission{RestaurantID: 2, Name: "B", Rating: 3})
	if core.Connectivity.Set(true) {
		t.Fatal("repeated online report counted as a transition")
	}
	core.Wait()
	if network.count() != 2 {
		t.Fatalf("repeated online report made %d requests in total, want 2", network.count())
	}
	if n, _ := core.Queue.Len(context.Background()); n != 0 {
		t.Fatalf("queue len = %d, want 0", n)
	}

	// A repeated offline report does nothing.
	core.Connectivity.Set(false)
	core.Connectivity.Set(false)
	core.Wait()
	if network.count() != 2 {
		t.Fatalf("offline reports made %d requests in total, want 2", network.count())
	}
}
