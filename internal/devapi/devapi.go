// Package devapi is an in-memory stand-in for the restaurant reviews API,
// used for local development and tests of the offline proxy.
package devapi

import (
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/mws-restaurant/offline"
)

// Server holds the API's restaurants and reviews in memory.
type Server struct {
	mu          sync.Mutex
	restaurants []offline.Restaurant
	reviews     map[int64]offline.Review
	byKey       map[string]int64
	nextID      int64
	now         func() time.Time
}

// New creates a server seeded with restaurants and no reviews.
func New(restaurants []offline.Restaurant) *Server {
	return &Server{
		restaurants: append([]offline.Restaurant(nil), restaurants...),
		reviews:     make(map[int64]offline.Review),
		byKey:       make(map[string]int64),
		nextID:      1,
		now:         time.Now,
	}
}

// Handler returns the gin engine serving the API.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Content-Type", offline.IdempotencyHeader},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	r.GET("/restaurants", s.listRestaurants)
	r.GET("/restaurants/:id", s.getRestaurant)
	r.GET("/reviews", s.listReviews)
	r.GET("/reviews/:id", s.getReview)
	r.POST("/reviews", s.createReview)
	return r
}

// ReviewCount returns the number of reviews the server has accepted.
func (s *Server) ReviewCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reviews)
}

func (s *Server) listRestaurants(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.JSON(http.StatusOK, s.restaurants)
}

func (s *Server) getRestaurant(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid restaurant id"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	restaurant, ok := offline.FindRestaurant(s.restaurants, id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "restaurant not found"})
		return
	}
	c.JSON(http.StatusOK, restaurant)
}

func (s *Server) listReviews(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]offline.Review, 0, len(s.reviews))
	for _, r := range s.reviews {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if raw := c.Query("restaurant_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid restaurant_id"})
			return
		}
		out = offline.FilterByField(out, "restaurant_id", id)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getReview(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid review id"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	review, ok := s.reviews[id]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "review not found"})
		return
	}
	c.JSON(http.StatusOK, review)
}

// createReview answers 201 with the stored review. A repeated
// Idempotency-Key returns the review created by the first request.
func (s *Server) createReview(c *gin.Context) {
	var sub offline.ReviewSubmission
	if err := c.ShouldBindJSON(&sub); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := sub.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := c.GetHeader(offline.IdempotencyHeader)
	if id, ok := s.byKey[key]; ok && key != "" {
		c.JSON(http.StatusCreated, s.reviews[id])
		return
	}

	now := offline.Timestamp(s.now().UnixMilli())
	review := offline.Review{
		ID:           s.nextID,
		RestaurantID: sub.RestaurantID,
		Name:         sub.Name,
		Rating:       sub.Rating,
		Comments:     sub.Comments,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.nextID++
	s.reviews[review.ID] = review
	if key != "" {
		s.byKey[key] = review.ID
	}
	c.JSON(http.StatusCreated, review)
}

// SampleRestaurants is a small seed set in the shape the API serves.
func SampleRestaurants() []offline.Restaurant {
	hours := map[string]string{
		"Monday":    "5:30 pm - 11:00 pm",
		"Tuesday":   "5:30 pm - 11:00 pm",
		"Wednesday": "5:30 pm - 11:00 pm",
		"Thursday":  "5:30 pm - 11:00 pm",
		"Friday":    "5:30 pm - 11:00 pm",
		"Saturday":  "12:00 pm - 11:00 pm",
		"Sunday":    "12:00 pm - 10:00 pm",
	}
	return []offline.Restaurant{
		{ID: 1, Name: "Mission Chinese Food", Neighborhood: "Manhattan", CuisineType: "Asian", Photograph: "1", Address: "171 E Broadway, New York, NY 10002", LatLng: offline.LatLng{Lat: 40.713829, Lng: -73.989667}, OperatingHours: hours},
		{ID: 2, Name: "Emily", Neighborhood: "Brooklyn", CuisineType: "Pizza", Photograph: "2", Address: "919 Fulton St, Brooklyn, NY 11238", LatLng: offline.LatLng{Lat: 40.683555, Lng: -73.966393}, OperatingHours: hours},
		{ID: 3, Name: "Kang Ho Dong Baekjeong", Neighborhood: "Manhattan", CuisineType: "Asian", Photograph: "3", Address: "1 E 32nd St, New York, NY 10016", LatLng: offline.LatLng{Lat: 40.747143, Lng: -73.985414}, OperatingHours: hours},
		{ID: 4, Name: "Katz's Delicatessen", Neighborhood: "Manhattan", CuisineType: "American", Photograph: "4", Address: "205 E Houston St, New York, NY 10002", LatLng: offline.LatLng{Lat: 40.722216, Lng: -73.987501}, OperatingHours: hours},
		{ID: 5, Name: "Roberta's Pizza", Neighborhood: "Brooklyn", CuisineType: "Pizza", Photograph: "5", Address: "261 Moore St, Brooklyn, NY 11206", LatLng: offline.LatLng{Lat: 40.705089, Lng: -73.933585}, OperatingHours: hours},
		{ID: 6, Name: "Hometown BBQ", Neighborhood: "Brooklyn", CuisineType: "American", Photograph: "6", Address: "454 Van Brunt St, Brooklyn, NY 11231", LatLng: offline.LatLng{Lat: 40.674925, Lng: -74.016162}, OperatingHours: hours},
		{ID: 7, Name: "Mu Ramen", Neighborhood: "Queens", CuisineType: "Asian", Photograph: "7", Address: "1209 Jackson Ave, Queens, NY 11101", LatLng: offline.LatLng{Lat: 40.743797, Lng: -73.950652}, OperatingHours: hours},
		{ID: 8, Name: "Casa Enrique", Neighborhood: "Queens", CuisineType: "Mexican", Photograph: "8", Address: "5-48 49th Ave, Queens, NY 11101", LatLng: offline.LatLng{Lat: 40.743394, Lng: -73.954235}, OperatingHours: hours},
	}
}
