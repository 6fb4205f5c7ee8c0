package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/spf13/cobra"

	"github.com/mws-restaurant/offline"
	"github.com/mws-restaurant/offline/internal/telemetry"
)

// ConnectivityPath is where serve accepts connectivity messages.
const ConnectivityPath = "/_connectivity"

var (
	serveListen     string
	serveAPIBase    string
	serveAppOrigin  string
	serveNoPrecache bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides server.listen_addr)")
	serveCmd.Flags().StringVar(&serveAPIBase, "api", "", "upstream API base URL (overrides server.api_base_url)")
	serveCmd.Flags().StringVar(&serveAppOrigin, "origin", "", "app origin serving static assets (overrides server.app_origin)")
	serveCmd.Flags().BoolVar(&serveNoPrecache, "no-precache", false, "skip caching the install list on startup")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the offline proxy",
	Long: "Serve the app and the API through the offline router. Connectivity changes are\n" +
		"reported as {\"onlineStatus\": bool} messages on the " + ConnectivityPath + " websocket.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if serveListen != "" {
			cfg.Server.ListenAddr = serveListen
		}
		if serveAPIBase != "" {
			cfg.Server.APIBaseURL = serveAPIBase
		}
		if serveAppOrigin != "" {
			cfg.Server.AppOrigin = serveAppOrigin
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		logger := newLogger()

		shutdownTracing, err := telemetry.Setup(ctx, "mwsoffline", cfg.Telemetry)
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				logger.Printf("serve: tracing shutdown: %v", err)
			}
		}()

		core, err := openCore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer core.Close()

		if !serveNoPrecache && len(cfg.Server.Precache) > 0 {
			if err := core.Router.Precache(ctx, cfg.Server.Precache); err != nil {
				logger.Printf("serve: precache incomplete: %v", err)
			} else {
				logger.Printf("serve: precached %d urls", len(cfg.Server.Precache))
			}
		}

		srv := &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           proxyHandler(cfg, core),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			logger.Printf("serve: listening on %s app=%s api=%s", cfg.Server.ListenAddr, cfg.Server.AppOrigin, cfg.Server.APIBaseURL)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
		}
		return nil
	},
}

// proxyHandler routes the connectivity websocket and sends everything else
// through the Router, behind CORS.
func proxyHandler(cfg *Config, core *offline.Core) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(ConnectivityPath, core.Connectivity.Handler(originPatterns(cfg.Server.AllowedOrigins)...))
	mux.Handle("/", core.Router)

	origins := cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Content-Length", offline.IdempotencyHeader},
	})
	return c.Handler(mux)
}

// originPatterns converts CORS origins to the host patterns the websocket
// handshake matches against.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if _, host, ok := strings.Cut(o, "://"); ok {
			o = host
		}
		out = append(out, strings.TrimRight(o, "/"))
	}
	return out
}
