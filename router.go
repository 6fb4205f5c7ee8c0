package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StatusDeferred is the status of a review accepted locally while offline.
const (
	StatusDeferred     = http.StatusAccepted
	StatusTextDeferred = "Deferred"
)

// DefaultShellPaths maps navigation paths to the cached document shell.
var DefaultShellPaths = map[string]string{
	"/":                "/index.html",
	"/restaurant.html": "/restaurant.html",
}

// ============================================================================
// Routes
// ============================================================================

type route int

const (
	routeGeneric route = iota
	routeNavigation
	routeRestaurants
	routeReviewsRead
	routeReviewsSubmit
)

func (r route) String() string {
	switch r {
	case routeNavigation:
		return "navigation"
	case routeRestaurants:
		return "restaurants"
	case routeReviewsRead:
		return "reviews.read"
	case routeReviewsSubmit:
		return "reviews.submit"
	}
	return "generic"
}

// ============================================================================
// Router
// ============================================================================

// RouterConfig wires a Router. Store, Cache, Queue and Connectivity are required.
type RouterConfig struct {
	// AppOrigin is the origin static assets and document shells come from.
	AppOrigin string
	// APIBaseURL is the upstream API; its /restaurants and /reviews
	// collections get the local-store strategies.
	APIBaseURL string
	// APIPrefix routes relative proxy requests under this path to the API.
	APIPrefix string
	// ShellPaths maps navigation paths to cached shell paths. Nil uses DefaultShellPaths.
	ShellPaths map[string]string
	// Freshness decides when local records are served. Nil uses PresenceImpliesFresh.
	Freshness FreshnessPolicy

	Store        Store
	Cache        Cache
	Queue        *DeferredQueue
	Connectivity *Connectivity
	// Network performs real requests. Nil uses http.DefaultTransport.
	Network http.RoundTripper
	Events  *Emitter
	Logger  *log.Logger
	Tracer  trace.Tracer
}

// Router intercepts outgoing requests and answers each one from the cache,
// the local store or the network. It implements http.RoundTripper so it can
// sit in an http.Client, and http.Handler so it can run as a local proxy.
type Router struct {
	appOrigin *url.URL
	apiBase   *url.URL
	apiPrefix string
	shells    map[string]string
	fresh     FreshnessPolicy

	store   Store
	cache   Cache
	queue   *DeferredQueue
	conn    *Connectivity
	network http.RoundTripper
	events  *Emitter
	logger  *log.Logger
	tracer  trace.Tracer
}

// NewRouter validates cfg and builds a Router.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Store == nil || cfg.Cache == nil || cfg.Queue == nil || cfg.Connectivity == nil {
		return nil, fmt.Errorf("router requires store, cache, queue and connectivity")
	}
	appOrigin, err := parseBase(cfg.AppOrigin)
	if err != nil {
		return nil, fmt.Errorf("invalid app origin: %w", err)
	}
	apiBase, err := parseBase(cfg.APIBaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	rt := &Router{
		appOrigin: appOrigin,
		apiBase:   apiBase,
		apiPrefix: strings.TrimRight(cfg.APIPrefix, "/"),
		shells:    cfg.ShellPaths,
		fresh:     cfg.Freshness,
		store:     cfg.Store,
		cache:     cfg.Cache,
		queue:     cfg.Queue,
		conn:      cfg.Connectivity,
		network:   cfg.Network,
		events:    cfg.Events,
		logger:    cfg.Logger,
		tracer:    cfg.Tracer,
	}
	if rt.shells == nil {
		rt.shells = DefaultShellPaths
	}
	if rt.fresh == nil {
		rt.fresh = PresenceImpliesFresh
	}
	if rt.network == nil {
		rt.network = http.DefaultTransport
	}
	if rt.logger == nil {
		rt.logger = discardLogger
	}
	if rt.tracer == nil {
		rt.tracer = defaultTracer()
	}
	return rt, nil
}

func parseBase(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%q must be an absolute URL", raw)
	}
	return u, nil
}

// RoundTrip answers req. It never returns both a response and an error.
func (rt *Router) RoundTrip(req *http.Request) (*http.Response, error) {
	r := rt.classify(req)
	ctx, span := rt.tracer.Start(req.Context(), "router."+r.String(),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.url", req.URL.String()),
		))
	defer span.End()
	req = req.WithContext(ctx)

	var (
		resp *http.Response
		err  error
	)
	switch r {
	case routeNavigation:
		resp, err = rt.serveShell(req)
	case routeRestaurants:
		resp, err = rt.serveRestaurants(req)
	case routeReviewsRead:
		resp, err = rt.serveReviews(req)
	case routeReviewsSubmit:
		resp, err = rt.submitReview(req)
	default:
		resp, err = rt.cacheFirst(req)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp, nil
}

func (rt *Router) classify(req *http.Request) route {
	if sameOrigin(req.URL, rt.appOrigin) {
		if _, ok := rt.shells[req.URL.Path]; ok && req.Method == http.MethodGet {
			return routeNavigation
		}
	}
	if rel, ok := underPath(req.URL.Path, rt.apiBase.Path); ok && req.URL.Host == rt.apiBase.Host {
		switch strings.Trim(rel, "/") {
		case "restaurants":
			if req.Method == http.MethodGet {
				return routeRestaurants
			}
		case "reviews":
			switch req.Method {
			case http.MethodGet:
				return routeReviewsRead
			case http.MethodPost:
				return routeReviewsSubmit
			}
		}
	}
	return routeGeneric
}

// underPath returns path relative to base when path is base itself or lies
// below it. "/apireviews" is not below "/api".
func underPath(path, base string) (string, bool) {
	if base == "" || base == "/" {
		return path, true
	}
	if path == base || strings.HasPrefix(path, base+"/") {
		return strings.TrimPrefix(path, base), true
	}
	return "", false
}

func sameOrigin(u, origin *url.URL) bool {
	return strings.EqualFold(u.Scheme, origin.Scheme) && strings.EqualFold(u.Host, origin.Host)
}

// ── Generic and navigation ───────────────────────────────

func (rt *Router) cacheFirst(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	key := RequestKey(req)
	cached, ok, err := rt.cache.Match(ctx, key)
	if err != nil {
		rt.logger.Printf("router: cache match failed key=%q: %v", key, err)
	} else if ok {
		rt.events.emit(EventCacheHit, key)
		return cached.HTTPResponse(req), nil
	}
	rt.events.emit(EventCacheMiss, key)

	resp, err := rt.network.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if !rt.cacheable(req, resp) {
		return resp, nil
	}
	entry, err := NewCachedResponse(resp)
	if err != nil {
		return nil, err
	}
	if err := rt.cache.Put(ctx, key, entry); err != nil {
		rt.logger.Printf("router: cache put failed key=%q: %v", key, err)
	}
	return resp, nil
}

// cacheable holds for successful same-origin GETs, the responses a browser
// would report as "basic".
func (rt *Router) cacheable(req *http.Request, resp *http.Response) bool {
	return req.Method == http.MethodGet &&
		resp.StatusCode == http.StatusOK &&
		sameOrigin(req.URL, rt.appOrigin)
}

func (rt *Router) serveShell(req *http.Request) (*http.Response, error) {
	shell := *req.URL
	shell.Path = rt.shells[req.URL.Path]
	shell.RawPath = ""
	shell.RawQuery = ""
	shell.Fragment = ""

	shellReq := req.Clone(req.Context())
	shellReq.URL = &shell
	shellReq.Host = shell.Host
	resp, err := rt.cacheFirst(shellReq)
	if err != nil {
		return nil, err
	}
	resp.Request = req
	return resp, nil
}

// Precache fetches urls from the network and stores them in the cache.
// Relative urls resolve against the app origin. It stops at the first failure.
func (rt *Router) Precache(ctx context.Context, urls []string) error {
	for _, raw := range urls {
		ref, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("precache %q: %w", raw, err)
		}
		target := rt.appOrigin.ResolveReference(ref)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
		if err != nil {
			return fmt.Errorf("precache %q: %w", raw, err)
		}
		resp, err := rt.network.RoundTrip(req)
		if err != nil {
			return fmt.Errorf("precache %q: %w", raw, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return fmt.Errorf("precache %q: %w", raw, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status})
		}
		entry, err := NewCachedResponse(resp)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("precache %q: %w", raw, err)
		}
		if err := rt.cache.Put(ctx, RequestKey(req), entry); err != nil {
			return fmt.Errorf("precache %q: %w", raw, err)
		}
	}
	return nil
}

// ── Restaurants ──────────────────────────────────────────

func (rt *Router) serveRestaurants(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	fresh, err := rt.fresh(ctx, rt.store, Restaurants)
	if err != nil {
		rt.logger.Printf("router: freshness check failed: %v", err)
	}
	if fresh {
		records, err := rt.store.AllRestaurants(ctx)
		if err == nil {
			return jsonResponse(req, http.StatusOK, "OK", records)
		}
		rt.logger.Printf("router: read restaurants failed, trying network: %v", err)
	}

	resp, err := rt.network.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}
	body, err := drainBody(resp)
	if err != nil {
		return nil, err
	}
	var restaurants []Restaurant
	if err := json.Unmarshal(body, &restaurants); err != nil {
		rt.logger.Printf("router: restaurants response is not a record list: %v", err)
		return resp, nil
	}
	rt.populate(ctx, Restaurants, func(ctx context.Context) error {
		return rt.store.PutRestaurants(ctx, restaurants)
	})
	return resp, nil
}

// populate warms the store. Failures are logged, never returned.
func (rt *Router) populate(ctx context.Context, c Collection, write func(context.Context) error) {
	if err := write(context.WithoutCancel(ctx)); err != nil {
		rt.logger.Printf("router: populate %s failed: %v", c, err)
		rt.events.emit(EventStorePopulateFailed, map[string]any{"collection": c, "error": err.Error()})
	}
}

// ── Reviews ──────────────────────────────────────────────

func (rt *Router) serveReviews(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	restaurantID, err := restaurantIDParam(req.URL.Query())
	if err != nil {
		return jsonError(req, http.StatusBadRequest, err)
	}

	all, err := rt.store.AllReviews(ctx)
	if err != nil {
		rt.logger.Printf("router: read reviews failed, trying network: %v", err)
	}
	if matches := FilterByField(all, "restaurant_id", restaurantID); len(matches) > 0 {
		return jsonResponse(req, http.StatusOK, "OK", matches)
	}

	resp, err := rt.network.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}
	body, err := drainBody(resp)
	if err != nil {
		return nil, err
	}
	var reviews []Review
	if err := json.Unmarshal(body, &reviews); err != nil {
		rt.logger.Printf("router: reviews response is not a record list: %v", err)
		return resp, nil
	}
	rt.populate(ctx, Reviews, func(ctx context.Context) error {
		return rt.store.PutReviews(ctx, reviews)
	})
	return resp, nil
}

func (rt *Router) submitReview(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if rt.conn.Online() {
		resp, err := rt.network.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusCreated {
			return resp, nil
		}
		body, err := drainBody(resp)
		if err != nil {
			return nil, err
		}
		var review Review
		if err := json.Unmarshal(body, &review); err != nil {
			rt.logger.Printf("router: created review is not a record: %v", err)
			return resp, nil
		}
		review.Deferred = false
		rt.populate(ctx, Reviews, func(ctx context.Context) error {
			return rt.store.PutReviews(ctx, []Review{review})
		})
		rt.events.emit(EventReviewCreated, review)
		return resp, nil
	}

	sub, err := readSubmission(req)
	if err != nil {
		return jsonError(req, http.StatusBadRequest, err)
	}
	review, err := rt.queue.Defer(ctx, sub)
	if err != nil {
		return nil, err
	}
	rt.logger.Printf("router: deferred review id=%d restaurant_id=%d", review.ID, review.RestaurantID)
	rt.events.emit(EventReviewDeferred, review)
	return jsonResponse(req, StatusDeferred, StatusTextDeferred, review)
}

func readSubmission(req *http.Request) (ReviewSubmission, error) {
	var sub ReviewSubmission
	if req.Body == nil || req.Body == http.NoBody {
		return sub, fmt.Errorf("review body is required")
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return sub, fmt.Errorf("failed to read review body: %w", err)
	}
	if err := json.Unmarshal(data, &sub); err != nil {
		return sub, fmt.Errorf("invalid review body: %w", err)
	}
	if sub.RestaurantID == 0 {
		if id, err := restaurantIDParam(req.URL.Query()); err == nil {
			sub.RestaurantID = id
		}
	}
	if err := sub.Validate(); err != nil {
		return sub, err
	}
	return sub, nil
}

func restaurantIDParam(q url.Values) (int64, error) {
	raw := strings.TrimSpace(q.Get("restaurant_id"))
	if raw == "" {
		return 0, ErrMissingRestaurantID
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrMissingRestaurantID, raw)
	}
	return id, nil
}

// ── Proxy ────────────────────────────────────────────────

var hopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Proxy-Authenticate",
	"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// ServeHTTP runs the Router as a proxy. Absolute-form requests go where they
// point; relative requests under the API prefix go to the API base URL and
// everything else to the app origin.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	out := rt.outbound(r)
	resp, err := rt.RoundTrip(out)
	if err != nil {
		rt.logger.Printf("router: %s %s failed: %v", out.Method, out.URL, err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	defer resp.Body.Close()

	for _, h := range hopHeaders {
		resp.Header.Del(h)
	}
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		rt.logger.Printf("router: copy response body: %v", err)
	}
}

func (rt *Router) outbound(r *http.Request) *http.Request {
	out := r.Clone(r.Context())
	out.RequestURI = ""
	if r.ContentLength == 0 {
		out.Body = http.NoBody
	}
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	if r.URL.IsAbs() {
		return out
	}

	target := *rt.appOrigin
	path := r.URL.Path
	if rel, ok := underPath(path, rt.apiPrefix); ok && rt.apiPrefix != "" {
		target = *rt.apiBase
		path = rt.apiBase.Path + rel
	}
	target.Path = path
	target.RawPath = ""
	target.RawQuery = r.URL.RawQuery
	out.URL = &target
	out.Host = target.Host
	return out
}

// ── Responses ────────────────────────────────────────────

func jsonResponse(req *http.Request, status int, text string, v any) (*http.Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + text,
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"application/json"}},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}

func jsonError(req *http.Request, status int, err error) (*http.Response, error) {
	return jsonResponse(req, status, http.StatusText(status), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
