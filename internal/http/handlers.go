// Package httpapi exposes the session's operational surface: liveness,
// status, Prometheus-style counters and the admin battle-abort trigger.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"magicaldanmaku/session/internal/battle"
	"magicaldanmaku/session/internal/connection"
	"magicaldanmaku/session/internal/heartbeat"
	"magicaldanmaku/session/internal/logging"
	"magicaldanmaku/session/internal/stats"
)

// SessionView is the read surface the handlers pull from the live service.
type SessionView interface {
	Stats() stats.Snapshot
	ConnectionState() connection.State
	BattlePhase() battle.Phase
	Heartbeat() heartbeat.State
}

// BattleAborter discards a live battle without settlement.
type BattleAborter interface {
	ForceAbortBattle()
}

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Session     SessionView
	Aborter     BattleAborter
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the session operational handlers.
type HandlerSet struct {
	logger      *logging.Logger
	session     SessionView
	aborter     BattleAborter
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		session:     opts.Session,
		aborter:     opts.Aborter,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/statusz", h.StatusHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/battle/abort", h.BattleAbortHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// StatusHandler reports the session state as JSON.
func (h *HandlerSet) StatusHandler() http.HandlerFunc {
	type heartbeatView struct {
		Sequence        int   `json:"sequence"`
		IntervalSeconds int   `json:"interval_seconds"`
		LastSentAtEpoch int64 `json:"last_sent_at_epoch"`
	}
	type response struct {
		Connection  string         `json:"connection"`
		BattlePhase string         `json:"battle_phase"`
		Heartbeat   heartbeatView  `json:"heartbeat"`
		Stats       stats.Snapshot `json:"stats"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if h.session == nil {
			http.Error(w, "session unavailable", http.StatusServiceUnavailable)
			return
		}
		beat := h.session.Heartbeat()
		writeJSON(w, http.StatusOK, response{
			Connection:  h.session.ConnectionState().String(),
			BattlePhase: h.session.BattlePhase().String(),
			Heartbeat: heartbeatView{
				Sequence:        beat.SequenceIndex,
				IntervalSeconds: beat.IntervalSeconds,
				LastSentAtEpoch: beat.LastSentAtEpoch,
			},
			Stats: h.session.Stats(),
		})
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.session == nil {
			http.Error(w, "session unavailable", http.StatusServiceUnavailable)
			return
		}
		snapshot := h.session.Stats()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP session_frames_total Wire frames received on the primary stream.\n")
		fmt.Fprintf(w, "# TYPE session_frames_total counter\n")
		fmt.Fprintf(w, "session_frames_total %d\n", snapshot.FramesReceived)

		fmt.Fprintf(w, "# HELP session_parse_failures_total Frames or commands discarded as malformed.\n")
		fmt.Fprintf(w, "# TYPE session_parse_failures_total counter\n")
		fmt.Fprintf(w, "session_parse_failures_total %d\n", snapshot.ParseFailures)

		fmt.Fprintf(w, "# HELP session_danmaku_total Chat messages decoded.\n")
		fmt.Fprintf(w, "# TYPE session_danmaku_total counter\n")
		fmt.Fprintf(w, "session_danmaku_total %d\n", snapshot.DanmakuCount)

		fmt.Fprintf(w, "# HELP session_gifts_total Gift events decoded.\n")
		fmt.Fprintf(w, "# TYPE session_gifts_total counter\n")
		fmt.Fprintf(w, "session_gifts_total %d\n", snapshot.GiftCount)

		fmt.Fprintf(w, "# HELP session_gift_gold_total Accumulated gift gold value.\n")
		fmt.Fprintf(w, "# TYPE session_gift_gold_total counter\n")
		fmt.Fprintf(w, "session_gift_gold_total %d\n", snapshot.GiftGoldTotal)

		fmt.Fprintf(w, "# HELP session_guard_purchases_total Guard tier purchases decoded.\n")
		fmt.Fprintf(w, "# TYPE session_guard_purchases_total counter\n")
		fmt.Fprintf(w, "session_guard_purchases_total %d\n", snapshot.GuardPurchases)

		fmt.Fprintf(w, "# HELP session_interactions_total Viewer entry and interaction events.\n")
		fmt.Fprintf(w, "# TYPE session_interactions_total counter\n")
		fmt.Fprintf(w, "session_interactions_total %d\n", snapshot.InteractionCount)

		fmt.Fprintf(w, "# HELP session_popularity_peak Highest popularity sample this session.\n")
		fmt.Fprintf(w, "# TYPE session_popularity_peak gauge\n")
		fmt.Fprintf(w, "session_popularity_peak %d\n", snapshot.PeakPopularity)
	}
}

// BattleAbortHandler authorises and triggers a battle abort.
func (h *HandlerSet) BattleAbortHandler() http.HandlerFunc {
	type response struct {
		Status string `json:"status"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "battle_abort"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("battle abort denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("battle abort denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("battle abort denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.aborter == nil {
			reqLogger.Warn("battle abort denied: no session attached")
			http.Error(w, "battle abort is unavailable", http.StatusServiceUnavailable)
			return
		}
		h.aborter.ForceAbortBattle()
		reqLogger.Info("battle abort triggered")
		writeJSON(w, http.StatusAccepted, response{Status: "accepted"})
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
