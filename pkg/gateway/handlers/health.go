package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/echogate/echogate/pkg/gateway/lifecycle"
	"github.com/echogate/echogate/pkg/gateway/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports whether the gateway accepts new relay sessions. A
// draining gateway keeps existing sessions alive but answers 503 here so load
// balancers stop routing to it.
type ReadyHandler struct {
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool `json:"ok"`
		Draining       bool `json:"draining"`
		ActiveSessions int  `json:"active_sessions"`
	}

	resp := readyResp{OK: true}
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		resp.OK = false
		resp.Draining = true
	}
	if h.Sessions != nil {
		resp.ActiveSessions = h.Sessions.Count()
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if resp.OK {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
