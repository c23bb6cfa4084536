// Package metrics exposes Prometheus counters and the health endpoint for
// the bridge.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bridge.
type Metrics struct {
	TweetsTotal      prometheus.Counter
	NonTweetMessages prometheus.Counter
	SendsTotal       prometheus.Counter
	SendErrors       prometheus.Counter
	DedupeHits       prometheus.Counter
	StreamSessions   prometheus.Counter
	Rebalances       prometheus.Counter
	ExpiredTokens    prometheus.Counter
	TokensActive     prometheus.Gauge
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		TweetsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_tweets_total",
			Help: "Tweets received from the filtered streams",
		}),
		NonTweetMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_non_tweet_messages_total",
			Help: "Non-tweet stream messages dropped by the router",
		}),
		SendsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_sends_total",
			Help: "Tweets delivered to Telegram",
		}),
		SendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_send_errors_total",
			Help: "Failed Telegram deliveries",
		}),
		DedupeHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_dedupe_hits_total",
			Help: "Deliveries suppressed by the dedupe window",
		}),
		StreamSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_stream_sessions_total",
			Help: "Streaming sessions opened",
		}),
		Rebalances: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_rebalances_total",
			Help: "Rebalance requests drained from the queue",
		}),
		ExpiredTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_expired_tokens_total",
			Help: "Credentials removed after failing the liveness probe",
		}),
		TokensActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_tokens_active",
			Help: "Credentials currently registered",
		}),
	}

	prometheus.MustRegister(
		m.TweetsTotal,
		m.NonTweetMessages,
		m.SendsTotal,
		m.SendErrors,
		m.DedupeHits,
		m.StreamSessions,
		m.Rebalances,
		m.ExpiredTokens,
		m.TokensActive,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	TelegramOK    bool      `json:"telegram_ok"`
	SQLiteOK      bool      `json:"sqlite_ok"`
	LastTweetTime time.Time `json:"last_tweet_time"`

	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetTelegramOK(v bool) {
	h.mu.Lock()
	h.TelegramOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTweetTime(t time.Time) {
	h.mu.Lock()
	h.LastTweetTime = t
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.TelegramOK || !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	tweetAge := ""
	if !h.LastTweetTime.IsZero() {
		tweetAge = time.Since(h.LastTweetTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		TelegramOK      bool    `json:"telegram_ok"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastTweetTime   string  `json:"last_tweet_time"`
		TweetAge        string  `json:"tweet_age"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		TelegramOK:      h.TelegramOK,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastTweetTime:   h.LastTweetTime.Format(time.RFC3339),
		TweetAge:        tweetAge,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("metrics server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("metrics server", "err", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
