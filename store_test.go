package offline

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
)

func openMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func TestMemoryStoreUpsertByID(t *testing.T) {
	s := openMemoryStore(t)
	ctx := context.Background()
	if err := s.PutRestaurants(ctx, sampleRestaurants()); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.PutRestaurants(ctx, []Restaurant{{ID: 2, Name: "Emily", Neighborhood: "Queens", CuisineType: "Pizza"}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	all, err := s.AllRestaurants(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 3 || all[1].Neighborhood != "Queens" {
		t.Fatalf("all = %+v, want upserted restaurant 2", all)
	}
}

func TestMemoryStoreOpenIsIdempotent(t *testing.T) {
	s := openMemoryStore(t)
	ctx := context.Background()
	if err := s.PutReviews(ctx, []Review{{ID: 1, RestaurantID: 1}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	before, _ := s.AllReviews(ctx)
	if err := s.Open(ctx); err != nil {
		t.Fatalf("second open: %v", err)
	}
	after, _ := s.AllReviews(ctx)
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("reviews changed on reopen: %+v -> %+v", before, after)
	}
}

func TestMemoryStoreIndexes(t *testing.T) {
	s := openMemoryStore(t)
	ctx := context.Background()
	if err := s.PutRestaurants(ctx, sampleRestaurants()); err != nil {
		t.Fatalf("put: %v", err)
	}

	tests := []struct {
		idx   Index
		value any
		ids   []int64
	}{
		{IndexNeighborhood, "Manhattan", []int64{1, 3}},
		{IndexCuisine, "Pizza", []int64{2}},
		{"cuisine_type", "Asian", []int64{1, 3}},
		{IndexNeighborhood, "Queens", nil},
	}
	for _, tt := range tests {
		t.Run(string(tt.idx)+"="+tt.value.(string), func(t *testing.T) {
			got, err := s.RestaurantsByIndex(ctx, tt.idx, tt.value)
			if err != nil {
				t.Fatalf("by index: %v", err)
			}
			var ids []int64
			for _, r := range got {
				ids = append(ids, r.ID)
			}
			if !reflect.DeepEqual(ids, tt.ids) {
				t.Fatalf("ids = %v, want %v", ids, tt.ids)
			}
		})
	}

	if _, err := s.RestaurantsByIndex(ctx, IndexRestaurantID, 1); !errors.Is(err, ErrUnknownIndex) {
		t.Fatalf("err = %v, want ErrUnknownIndex", err)
	}
}

func TestFilterByFieldNormalizesNumbers(t *testing.T) {
	reviews := []Review{{ID: 1, RestaurantID: 1}, {ID: 2, RestaurantID: 2}, {ID: 3, RestaurantID: 1}}
	for _, value := range []any{1, int32(1), int64(1), float64(1), uint(1)} {
		if got := FilterByField(reviews, "restaurant_id", value); len(got) != 2 {
			t.Fatalf("%T: len = %d, want 2", value, len(got))
		}
	}
	if got := FilterByField(reviews, "restaurant_id", 1.5); len(got) != 0 {
		t.Fatalf("fractional value matched %d reviews", len(got))
	}
	if got := FilterByField(reviews, "restaurant_id", "1"); len(got) != 0 {
		t.Fatalf("string value matched %d reviews", len(got))
	}
	if got := FilterByField(reviews, "no_such_field", 1); len(got) != 0 {
		t.Fatalf("unknown field matched %d reviews", len(got))
	}
}

func TestFilterByFieldIgnoresOutOfRangeValues(t *testing.T) {
	reviews := []Review{{ID: -1, RestaurantID: math.MaxInt64}}
	for _, value := range []any{uint64(math.MaxUint64), uint(math.MaxUint64)} {
		if got := FilterByField(reviews, "id", value); len(got) != 0 {
			t.Fatalf("%T max matched %d reviews by id", value, len(got))
		}
	}
	for _, value := range []any{uint64(1 << 63), float64(1 << 63), float32(1 << 63)} {
		if got := FilterByField(reviews, "restaurant_id", value); len(got) != 0 {
			t.Fatalf("%T 2^63 matched %d reviews by restaurant_id", value, len(got))
		}
	}
	if got := FilterByField(reviews, "restaurant_id", uint64(math.MaxInt64)); len(got) != 1 {
		t.Fatalf("uint64 MaxInt64: len = %d, want 1", len(got))
	}
}

func TestMemoryStoreClosed(t *testing.T) {
	s := openMemoryStore(t)
	ctx := context.Background()
	s.Close()

	err := s.PutReviews(ctx, []Review{{ID: 1}})
	var txErr *StorageTransactionError
	if !errors.As(err, &txErr) || txErr.Op != "put" || txErr.Collection != Reviews {
		t.Fatalf("err = %v, want put reviews transaction error", err)
	}
	if !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("err = %v, want ErrStoreClosed", err)
	}
	if _, err := s.Count(ctx, Restaurants); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("count err = %v, want ErrStoreClosed", err)
	}
	if err := s.Open(ctx); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("open err = %v, want ErrStoreClosed", err)
	}
}

func TestMemoryStoreCountAndDelete(t *testing.T) {
	s := openMemoryStore(t)
	ctx := context.Background()
	if err := s.PutReviews(ctx, []Review{{ID: 1}, {ID: -5, Deferred: true}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete(ctx, Reviews, -5); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, Reviews, 99); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
	if n, _ := s.Count(ctx, Reviews); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
	if err := s.Delete(ctx, "menus", 1); !errors.Is(err, ErrUnknownCollection) {
		t.Fatalf("err = %v, want ErrUnknownCollection", err)
	}
}

func TestPresenceImpliesFresh(t *testing.T) {
	s := openMemoryStore(t)
	ctx := context.Background()
	if fresh, err := PresenceImpliesFresh(ctx, s, Restaurants); err != nil || fresh {
		t.Fatalf("empty store fresh = %v, %v", fresh, err)
	}
	if err := s.PutRestaurants(ctx, sampleRestaurants()[:1]); err != nil {
		t.Fatalf("put: %v", err)
	}
	if fresh, err := PresenceImpliesFresh(ctx, s, Restaurants); err != nil || !fresh {
		t.Fatalf("non-empty store fresh = %v, %v", fresh, err)
	}
	if fresh, _ := NeverFresh(ctx, s, Restaurants); fresh {
		t.Fatal("NeverFresh reported fresh")
	}
}

func TestRestaurantHelpers(t *testing.T) {
	all := sampleRestaurants()
	if got, want := Neighborhoods(all), []string{"Manhattan", "Brooklyn"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("neighborhoods = %v, want %v", got, want)
	}
	if got, want := Cuisines(all), []string{"Asian", "Pizza"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("cuisines = %v, want %v", got, want)
	}
	if got := FilterRestaurants(all, "all", "all"); len(got) != 3 {
		t.Fatalf("unfiltered len = %d, want 3", len(got))
	}
	if got := FilterRestaurants(all, "Asian", "Manhattan"); len(got) != 2 {
		t.Fatalf("asian manhattan len = %d, want 2", len(got))
	}
	if got := FilterRestaurants(all, "", "Brooklyn"); len(got) != 1 || got[0].ID != 2 {
		t.Fatalf("brooklyn = %+v, want restaurant 2", got)
	}
	if r, ok := FindRestaurant(all, 3); !ok || r.Name != "Kang Ho Dong Baekjeong" {
		t.Fatalf("find 3 = %+v, %v", r, ok)
	}
	if _, ok := FindRestaurant(all, 99); ok {
		t.Fatal("found missing restaurant")
	}
}
