package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/mws-restaurant/offline/internal/devapi"
)

var devapiAddr string

func init() {
	rootCmd.AddCommand(devapiCmd)
	devapiCmd.Flags().StringVar(&devapiAddr, "addr", "localhost:1337", "listen address")
}

var devapiCmd = &cobra.Command{
	Use:   "devapi",
	Short: "Run an in-memory restaurant reviews API for local development",
	RunE: func(cmd *cobra.Command, args []string) error {
		gin.SetMode(gin.ReleaseMode)
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := &http.Server{
			Addr:              devapiAddr,
			Handler:           devapi.New(devapi.SampleRestaurants()).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			log.Printf("devapi: listening on %s", devapiAddr)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
		}
		return nil
	},
}
