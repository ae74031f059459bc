package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/echogate/echogate/pkg/gateway/lifecycle"
)

func TestRelayHandler_MethodNotAllowed(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/relay", nil)
	rr := httptest.NewRecorder()
	RelayHandler{}.ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestRelayHandler_DrainingRefusesNewSessions(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)

	req := httptest.NewRequest(http.MethodGet, "/v1/relay", nil)
	rr := httptest.NewRecorder()
	RelayHandler{Lifecycle: lc}.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "draining") {
		t.Fatalf("body=%q", rr.Body.String())
	}
}

func TestClientReadWait(t *testing.T) {
	if got := clientReadWait(0); got != 0 {
		t.Fatalf("clientReadWait(0)=%v", got)
	}
	if got := clientReadWait(20 * time.Second); got != 60*time.Second {
		t.Fatalf("clientReadWait(20s)=%v", got)
	}
}

func TestRelayHandler_RejectsNonWebsocketGET(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/relay", nil)
	rr := httptest.NewRecorder()
	RelayHandler{}.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}
