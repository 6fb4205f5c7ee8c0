package offline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Collections and Indexes
// ============================================================================

// Collection names one record collection in the local store.
type Collection string

const (
	Restaurants Collection = "restaurants"
	Reviews     Collection = "reviews"
)

// Index names a non-unique secondary index.
type Index string

const (
	IndexNeighborhood Index = "neighborhood"
	IndexCuisine      Index = "cuisine"
	IndexRestaurantID Index = "restaurant_id"
)

// indexFields maps each collection's index names to the record field they cover.
var indexFields = map[Collection]map[Index]string{
	Restaurants: {
		IndexNeighborhood: "neighborhood",
		IndexCuisine:      "cuisine_type",
		"cuisine_type":    "cuisine_type",
	},
	Reviews: {
		IndexRestaurantID: "restaurant_id",
	},
}

// IndexField returns the record field an index covers.
func IndexField(c Collection, idx Index) (string, error) {
	fields, ok := indexFields[c]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCollection, c)
	}
	field, ok := fields[idx]
	if !ok {
		return "", fmt.Errorf("%w: %q on %s", ErrUnknownIndex, idx, c)
	}
	return field, nil
}

// Valid reports whether c names one of the known collections.
func (c Collection) Valid() bool {
	return c == Restaurants || c == Reviews
}

// ============================================================================
// Timestamp
// ============================================================================

// Timestamp is a point in time carried as Unix milliseconds on the wire.
// Decoding also accepts RFC 3339 strings and numeric strings.
type Timestamp int64

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return Timestamp(time.Now().UnixMilli())
}

// Time converts the timestamp back to a time.Time in UTC.
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t)).UTC()
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(t), 10)), nil
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*t = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*t = 0
			return nil
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			*t = Timestamp(n)
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		*t = Timestamp(parsed.UnixMilli())
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", data, err)
	}
	*t = Timestamp(int64(f))
	return nil
}

// ============================================================================
// Records
// ============================================================================

// Record is implemented by every type stored in a collection.
type Record interface {
	RecordID() int64
	// Field returns the value of the named JSON field, or nil when unknown.
	Field(name string) any
}

// LatLng is a map coordinate.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Restaurant mirrors a server restaurant. It is never created locally.
type Restaurant struct {
	ID             int64             `json:"id"`
	Name           string            `json:"name"`
	CuisineType    string            `json:"cuisine_type"`
	Neighborhood   string            `json:"neighborhood"`
	Address        string            `json:"address"`
	LatLng         LatLng            `json:"latlng"`
	Photograph     string            `json:"photograph,omitempty"`
	OperatingHours map[string]string `json:"operating_hours,omitempty"`
	CreatedAt      Timestamp         `json:"createdAt,omitempty"`
	UpdatedAt      Timestamp         `json:"updatedAt,omitempty"`
}

func (r Restaurant) RecordID() int64 { return r.ID }

func (r Restaurant) Field(name string) any {
	switch name {
	case "id":
		return r.ID
	case "name":
		return r.Name
	case "cuisine_type":
		return r.CuisineType
	case "neighborhood":
		return r.Neighborhood
	case "address":
		return r.Address
	case "photograph":
		return r.Photograph
	case "createdAt":
		return int64(r.CreatedAt)
	case "updatedAt":
		return int64(r.UpdatedAt)
	}
	return nil
}

// Review is a restaurant review. Deferred reviews were authored offline and
// carry a local id (always negative) until the server confirms them.
type Review struct {
	ID             int64     `json:"id"`
	RestaurantID   int64     `json:"restaurant_id"`
	Name           string    `json:"name"`
	Rating         int       `json:"rating"`
	Comments       string    `json:"comments"`
	CreatedAt      Timestamp `json:"createdAt,omitempty"`
	UpdatedAt      Timestamp `json:"updatedAt,omitempty"`
	Deferred       bool      `json:"deferred,omitempty"`
	LocalID        string    `json:"local_id,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

func (r Review) RecordID() int64 { return r.ID }

func (r Review) Field(name string) any {
	switch name {
	case "id":
		return r.ID
	case "restaurant_id":
		return r.RestaurantID
	case "name":
		return r.Name
	case "rating":
		return int64(r.Rating)
	case "comments":
		return r.Comments
	case "deferred":
		return r.Deferred
	case "local_id":
		return r.LocalID
	case "createdAt":
		return int64(r.CreatedAt)
	case "updatedAt":
		return int64(r.UpdatedAt)
	}
	return nil
}

// IsLocal reports whether the review still lives in the local id space.
func (r Review) IsLocal() bool {
	return r.ID < 0
}

// Submission returns the payload the server accepts for this review.
func (r Review) Submission() ReviewSubmission {
	return ReviewSubmission{
		RestaurantID: r.RestaurantID,
		Name:         r.Name,
		Rating:       r.Rating,
		Comments:     r.Comments,
	}
}

// UnmarshalJSON accepts numeric fields encoded as strings, which HTML form
// posts and some server versions produce.
func (r *Review) UnmarshalJSON(data []byte) error {
	type alias Review
	var raw struct {
		alias
		ID           json.RawMessage `json:"id"`
		RestaurantID json.RawMessage `json:"restaurant_id"`
		Rating       json.RawMessage `json:"rating"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Review(raw.alias)
	var err error
	if r.ID, err = looseInt(raw.ID); err != nil {
		return fmt.Errorf("review id: %w", err)
	}
	if r.RestaurantID, err = looseInt(raw.RestaurantID); err != nil {
		return fmt.Errorf("review restaurant_id: %w", err)
	}
	rating, err := looseInt(raw.Rating)
	if err != nil {
		return fmt.Errorf("review rating: %w", err)
	}
	r.Rating = int(rating)
	return nil
}

// ReviewSubmission is the body of POST /reviews.
type ReviewSubmission struct {
	RestaurantID int64  `json:"restaurant_id"`
	Name         string `json:"name"`
	Rating       int    `json:"rating"`
	Comments     string `json:"comments"`
}

func (s *ReviewSubmission) UnmarshalJSON(data []byte) error {
	var review Review
	if err := json.Unmarshal(data, &review); err != nil {
		return err
	}
	*s = review.Submission()
	return nil
}

// Validate checks the fields a submission cannot do without.
func (s ReviewSubmission) Validate() error {
	if s.RestaurantID <= 0 {
		return ErrMissingRestaurantID
	}
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

func looseInt(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, nil
		}
		return strconv.ParseInt(s, 10, 64)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, err
	}
	return int64(f), nil
}
