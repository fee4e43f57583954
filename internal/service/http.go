package service

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/groupguard/groupguard/internal/metrics"
)

// Routes returns the moderator's HTTP surface: Prometheus metrics, a health
// check and, when feed is non-nil, the admin WebSocket feed.
func (s *Service) Routes(feed http.Handler, startedAt time.Time) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		s.handleHealth(w, r, startedAt)
	})
	if feed != nil {
		mux.Handle("/feed", feed)
	}
	return mux
}

// handleHealth responds with engine state sizes, queue depth and uptime.
func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request, startedAt time.Time) {
	st := s.engine.Stats()

	resp := struct {
		Status         string `json:"status"`
		TrackedSenders int    `json:"tracked_senders"`
		WarnedSenders  int    `json:"warned_senders"`
		FlaggedSenders int    `json:"flagged_senders"`
		Pending        int    `json:"pending"`
		Uptime         string `json:"uptime"`
	}{
		Status:         "ok",
		TrackedSenders: st.TrackedSenders,
		WarnedSenders:  st.WarnedSenders,
		FlaggedSenders: st.FlaggedSenders,
		Pending:        s.dispatcher.Pending(),
		Uptime:         time.Since(startedAt).Round(time.Second).String(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
