package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/toolink/limiter/config"
	"github.com/toolink/limiter/limiter"
)

var (
	serveAddr     string
	serveRequests int
	serveEvery    string
	serveBlockFor string
	serveStore    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve throttled HTTP routes",
	Long: `Serve starts an HTTP server with a throttled /api route and a
/limits/{key} route to inspect or reset the counter of a client.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "listen address")
	serveCmd.Flags().IntVar(&serveRequests, "requests", 60, "requests allowed per window")
	serveCmd.Flags().StringVar(&serveEvery, "every", "1 min", "window duration")
	serveCmd.Flags().StringVar(&serveBlockFor, "block-for", "", "block duration once the requests are exhausted")
	serveCmd.Flags().StringVar(&serveStore, "store", "", "store to use (default store when empty)")
	rootCmd.AddCommand(serveCmd)
}

const apiLimiter = "api"

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	m, closeAll, err := cfg.Build(cmd.Context())
	if err != nil {
		return err
	}
	defer func() {
		if err := closeAll(); err != nil {
			log.Error().Err(err).Msg("failed to close stores")
		}
	}()

	srv := &http.Server{
		Addr:              serveAddr,
		Handler:           newRouter(m),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", serveAddr).Msg("limiterd listening")
		if err := srv.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func apiRuntimeConfig() limiter.RuntimeConfig {
	rc := limiter.RuntimeConfig{Requests: serveRequests, Duration: serveEvery}
	if serveBlockFor != "" {
		rc.BlockDuration = serveBlockFor
	}
	return rc
}

func newRouter(m *limiter.Manager) http.Handler {
	throttle := m.Define(apiLimiter, func(r *http.Request) *limiter.HTTPLimiter {
		h := m.AllowRequests(serveRequests).Every(serveEvery).Store(serveStore)
		if serveBlockFor != "" {
			h.BlockFor(serveBlockFor)
		}
		return h
	})

	r := chi.NewRouter()
	r.With(throttle).Get("/api/*", func(w http.ResponseWriter, r *http.Request) {
		res, _ := limiter.ResponseFromContext(r.Context())
		writeJSON(w, http.StatusOK, res)
	})

	r.Route("/limits/{key}", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			l, err := m.Use(serveStore, apiRuntimeConfig())
			if err != nil {
				writeError(w, err)
				return
			}
			res, err := l.Get(r.Context(), apiLimiter+"_"+chi.URLParam(r, "key"))
			if err != nil {
				writeError(w, err)
				return
			}
			if res == nil {
				http.NotFound(w, r)
				return
			}
			writeJSON(w, http.StatusOK, res)
		})
		r.Delete("/", func(w http.ResponseWriter, r *http.Request) {
			l, err := m.Use(serveStore, apiRuntimeConfig())
			if err != nil {
				writeError(w, err)
				return
			}
			deleted, err := l.Delete(r.Context(), apiLimiter+"_"+chi.URLParam(r, "key"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	log.Error().Err(err).Msg("limits request failed")
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}
