package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/stockpool/internal/allocation"
	"github.com/sells-group/stockpool/internal/model"
	"github.com/sells-group/stockpool/internal/pool"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the allocation HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(env, cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// buildRouter mounts the health, metrics and allocation routes.
func buildRouter(env *appEnv, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Idempotency-Key"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", env.Metrics.Handler())

	h := &handlers{env: env}
	r.Route("/api/pools", func(r chi.Router) {
		r.Get("/", h.listPools)
		r.Get("/{sku}/preview", h.preview)
		r.Post("/{sku}/apply", h.apply)
	})
	return r
}

type handlers struct {
	env *appEnv
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (h *handlers) listPools(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	location := q.Get("location")
	if location == "" {
		location = cfg.Allocation.DefaultLocation
	}
	if location == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "location is required", Code: "INVALID_PARAMS"})
		return
	}
	minBom, err := intParam(q.Get("min_bom_count"), cfg.Allocation.MinBomCount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "min_bom_count must be an integer", Code: "INVALID_PARAMS"})
		return
	}

	pools, err := h.env.Pools.List(r.Context(), location, minBom)
	if err != nil {
		writeError(w, err)
		return
	}
	if pools == nil {
		pools = []model.Pool{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"location": location, "pools": pools})
}

func (h *handlers) preview(w http.ResponseWriter, r *http.Request) {
	params, err := previewParams(chi.URLParam(r, "sku"), r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "INVALID_PARAMS"})
		return
	}
	p, err := h.env.Engine.Generate(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handlers) apply(w http.ResponseWriter, r *http.Request) {
	var req allocation.ApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body", Code: "INVALID_PARAMS"})
		return
	}
	req.PoolComponentSKU = chi.URLParam(r, "sku")
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	res, err := h.env.Applier.Apply(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Warning != "" {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// previewParams reads constraints from the query, defaulting from config.
func previewParams(sku string, r *http.Request) (allocation.PreviewParams, error) {
	q := r.URL.Query()
	c := model.Constraints{
		MinMarginPct:    cfg.Allocation.MinMarginPct,
		TargetMarginPct: cfg.Allocation.TargetMarginPct,
		BufferUnits:     cfg.Allocation.BufferUnits,
	}
	var err error
	if c.MinMarginPct, err = floatParam(q.Get("min_margin_pct"), c.MinMarginPct); err != nil {
		return allocation.PreviewParams{}, eris.New("min_margin_pct must be a number")
	}
	if c.TargetMarginPct, err = floatParam(q.Get("target_margin_pct"), c.TargetMarginPct); err != nil {
		return allocation.PreviewParams{}, eris.New("target_margin_pct must be a number")
	}
	if c.BufferUnits, err = intParam(q.Get("buffer_units"), c.BufferUnits); err != nil {
		return allocation.PreviewParams{}, eris.New("buffer_units must be an integer")
	}
	location := q.Get("location")
	if location == "" {
		location = cfg.Allocation.DefaultLocation
	}
	return allocation.PreviewParams{PoolComponentSKU: sku, Location: location, Constraints: c}, nil
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func floatParam(v string, def float64) (float64, error) {
	if v == "" {
		return def, nil
	}
	return strconv.ParseFloat(v, 64)
}

// statusFor maps engine and apply errors to an HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, allocation.ErrInvalidParams):
		return http.StatusBadRequest, "INVALID_PARAMS"
	case errors.Is(err, pool.ErrUnknownPool):
		return http.StatusNotFound, "UNKNOWN_POOL"
	case errors.Is(err, allocation.ErrIdempotencyConflict):
		return http.StatusUnprocessableEntity, "IDEMPOTENCY_CONFLICT"
	case errors.Is(err, allocation.ErrApplyInProgress):
		return http.StatusConflict, "APPLY_IN_PROGRESS"
	case errors.Is(err, allocation.ErrConfirmationRequired):
		return http.StatusPreconditionRequired, "CONFIRMATION_REQUIRED"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		zap.L().Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("encode response", zap.Error(err))
	}
}
