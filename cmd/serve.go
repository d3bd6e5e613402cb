package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/sells-group/attendry/internal/model"
	"github.com/sells-group/attendry/internal/pipeline"
	"github.com/sells-group/attendry/internal/resilience"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the event search HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		h := &apiHandler{
			runner:    &recordedRunner{pipeline: env.Pipeline, store: env.Store},
			manager:   env.Resilience,
			baseQuery: cfg.Search.BaseQuery,
		}
		if env.Store != nil {
			h.events = env.Store
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           h.routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
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

// storedEvents lists persisted events.
type storedEvents interface {
	ListEvents(ctx context.Context, filter model.EventFilter) ([]model.StoredEvent, error)
}

// apiHandler serves the event search API.
type apiHandler struct {
	runner    eventRunner
	events    storedEvents // nil when store.driver is none
	manager   *resilience.Manager
	baseQuery string
}

func (h *apiHandler) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(recoverJSON)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/events/run", h.runEvents)
		r.Get("/events", h.listEvents)
		r.Get("/resilience", h.resilienceStates)
		r.Post("/resilience/{service}/reset", h.resetService)
	})
	return r
}

// runRequest is the body of POST /api/events/run.
type runRequest struct {
	BaseQuery string `json:"baseQuery"`
	UserText  string `json:"userText"`
	Country   string `json:"country"`
	DateFrom  string `json:"dateFrom"`
	DateTo    string `json:"dateTo"`
	Locale    string `json:"locale"`
	Industry  string `json:"industry"`
}

// telemetry is the per-run summary returned next to the events.
type telemetry struct {
	ProviderUsed    model.ProviderName     `json:"provider_used"`
	ProvidersTried  []model.ProviderName   `json:"providers_tried"`
	ProvidersMerged []model.ProviderName   `json:"providers_merged,omitempty"`
	Metrics         model.PipelineMetrics  `json:"metrics"`
	Rerank          pipeline.RerankMetrics `json:"rerank"`
	Usage           model.TokenUsage       `json:"usage"`
	CostUSD         float64                `json:"cost_usd"`
	DurationMs      int64                  `json:"duration_ms"`
}

type runResponse struct {
	Events    []model.EventDTO `json:"events"`
	Telemetry telemetry        `json:"telemetry"`
}

const errCountryRequired = "country (ISO2) required"

func (h *apiHandler) runEvents(w http.ResponseWriter, r *http.Request) {
	var body runRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	country, ok := parseCountry(body.Country)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": errCountryRequired})
		return
	}

	req := model.SearchRequest{
		BaseQuery: strings.TrimSpace(body.BaseQuery),
		UserText:  body.UserText,
		Country:   country,
		Locale:    body.Locale,
		Industry:  body.Industry,
	}
	if req.BaseQuery == "" {
		req.BaseQuery = h.baseQuery
	}
	var err error
	if req.DateFrom, err = parseDate(body.DateFrom); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "dateFrom: " + err.Error()})
		return
	}
	if req.DateTo, err = parseDate(body.DateTo); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "dateTo: " + err.Error()})
		return
	}

	start := time.Now()
	out, err := h.runner.Run(r.Context(), req)
	if err != nil {
		zap.L().Error("event run failed",
			zap.String("country", req.Country),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": err.Error(),
			"debug": map[string]any{
				"request_id": middleware.GetReqID(r.Context()),
				"base_query": req.BaseQuery,
				"country":    req.Country,
			},
		})
		return
	}

	tel := telemetry{
		ProviderUsed:    out.Search.ProviderUsed,
		ProvidersTried:  out.Search.ProvidersTried,
		ProvidersMerged: out.Search.ProvidersMerged,
		Metrics:         out.Metrics,
		Rerank:          out.Rerank,
		Usage:           out.Usage,
		CostUSD:         out.CostUSD,
		DurationMs:      time.Since(start).Milliseconds(),
	}
	writeJSON(w, http.StatusOK, runResponse{Events: out.Events, Telemetry: tel})
}

func (h *apiHandler) listEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event store disabled"})
		return
	}

	q := r.URL.Query()
	filter := model.EventFilter{}
	if c := q.Get("country"); c != "" {
		country, ok := parseCountry(c)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid country"})
			return
		}
		filter.Country = country
	}
	var err error
	if filter.DateFrom, err = parseDate(q.Get("dateFrom")); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "dateFrom: " + err.Error()})
		return
	}
	if filter.DateTo, err = parseDate(q.Get("dateTo")); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "dateTo: " + err.Error()})
		return
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		filter.Limit = n
	}

	events, err := h.events.ListEvents(r.Context(), filter)
	if err != nil {
		zap.L().Error("list events failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list events failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *apiHandler) resilienceStates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"services": h.manager.States()})
}

func (h *apiHandler) resetService(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	h.manager.Reset(service)
	writeJSON(w, http.StatusOK, h.manager.State(service))
}

// recoverJSON turns a handler panic into a 500 with the error body shape
// the API uses everywhere else.
func recoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				zap.L().Error("handler panic",
					zap.String("path", r.URL.Path),
					zap.Any("panic", v),
				)
				writeJSON(w, http.StatusInternalServerError, map[string]any{
					"error": "internal error",
					"debug": map[string]any{
						"panic":      fmt.Sprint(v),
						"request_id": middleware.GetReqID(r.Context()),
					},
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// parseCountry accepts an ISO 3166 alpha-2 country code in any case.
func parseCountry(s string) (string, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != 2 {
		return "", false
	}
	region, err := language.ParseRegion(s)
	if err != nil || !region.IsCountry() {
		return "", false
	}
	return s, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
