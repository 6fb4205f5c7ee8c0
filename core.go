// Package offline is the offline resilience core of the restaurant reviews
// client: a request router that serves cached data when it can, a local
// store mirroring server records, a deferred write queue for reviews posted
// while offline, and a sync engine that replays them once the host reports
// connectivity again.
//
// Usage:
//
//	core, _ := offline.New(ctx, offline.Options{
//		AppOrigin:  "http://localhost:8000",
//		APIBaseURL: "http://localhost:1337",
//	})
//	defer core.Close()
//
//	client := core.HTTPClient()
//	resp, _ := client.Get("http://localhost:1337/restaurants")
//
//	core.Connectivity.Set(false) // reviews posted now are deferred
//	core.Connectivity.Set(true)  // deferred reviews are replayed
package offline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mws-restaurant/offline"

var discardLogger = log.New(io.Discard, "", 0)

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// Options configures a Core. Zero values pick in-memory storage and the
// default network transport.
type Options struct {
	AppOrigin  string
	APIBaseURL string
	APIPrefix  string
	ShellPaths map[string]string
	Freshness  FreshnessPolicy

	Store Store
	Cache Cache
	// Transport performs real network requests for both the Router and the Syncer.
	Transport http.RoundTripper
	// Timeout bounds each replayed submission. Zero uses DefaultTimeout.
	Timeout time.Duration

	Events *Emitter
	Logger *log.Logger
}

// Core is the explicitly constructed context every component shares.
type Core struct {
	Store        Store
	Cache        Cache
	Queue        *DeferredQueue
	Router       *Router
	Syncer       *Syncer
	Connectivity *Connectivity
	Client       *Client
	Events       *Emitter

	logger *log.Logger
	drains sync.WaitGroup
}

// New opens the store and wires the components together. Every online
// report through Connectivity starts a background drain of the deferred
// queue.
func New(ctx context.Context, opts Options) (*Core, error) {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Cache == nil {
		opts.Cache = NewMemoryCache(DefaultCacheEntries)
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Events == nil {
		opts.Events = &Emitter{}
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger
	}
	if opts.APIBaseURL == "" {
		opts.APIBaseURL = DefaultAPIBaseURL
	}
	if opts.AppOrigin == "" {
		opts.AppOrigin = opts.APIBaseURL
	}

	if err := opts.Store.Open(ctx); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	c := &Core{
		Store:  opts.Store,
		Cache:  opts.Cache,
		Queue:  NewDeferredQueue(opts.Store),
		Events: opts.Events,
		logger: opts.Logger,
	}
	c.Connectivity = NewConnectivity(c.Events, c.logger)
	c.Client = NewClient(
		WithBaseURL(opts.APIBaseURL),
		WithHTTPClient(&http.Client{Transport: opts.Transport, Timeout: opts.Timeout}),
	)
	c.Syncer = NewSyncer(c.Queue, c.Client, c.Events, c.logger)

	router, err := NewRouter(RouterConfig{
		AppOrigin:    opts.AppOrigin,
		APIBaseURL:   opts.APIBaseURL,
		APIPrefix:    opts.APIPrefix,
		ShellPaths:   opts.ShellPaths,
		Freshness:    opts.Freshness,
		Store:        c.Store,
		Cache:        c.Cache,
		Queue:        c.Queue,
		Connectivity: c.Connectivity,
		Network:      opts.Transport,
		Events:       c.Events,
		Logger:       c.logger,
	})
	if err != nil {
		_ = c.Store.Close()
		return nil, err
	}
	c.Router = router

	// Every online report drains, repeated ones included. A report that
	// lands during a drain makes that drain scan the queue again.
	c.Connectivity.OnReport(func(online bool) {
		if online {
			c.drainInBackground()
		}
	})
	return c, nil
}

func (c *Core) drainInBackground() {
	c.drains.Add(1)
	go func() {
		defer c.drains.Done()
		if _, err := c.Syncer.Drain(context.Background()); err != nil {
			c.logger.Printf("core: background drain failed: %v", err)
		}
	}()
}

// HTTPClient returns a client whose every request goes through the Router.
func (c *Core) HTTPClient() *http.Client {
	return &http.Client{Transport: c.Router}
}

// Wait blocks until background drains started by connectivity reports finish.
func (c *Core) Wait() {
	c.drains.Wait()
}

// Close waits for background drains and closes the store and cache.
func (c *Core) Close() error {
	c.Wait()
	c.Events.RemoveAll()
	return errors.Join(c.Store.Close(), c.Cache.Close())
}
