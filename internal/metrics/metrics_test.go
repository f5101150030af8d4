package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.IncChatMessages()
	m.IncFramesDropped("parse")
	m.SetConnectionState("connected", "idle")
	m.ObserveRequest("/leaderboard", http.MethodGet, 200, time.Millisecond)
	if m.Registry() != nil {
		t.Fatalf("expected nil registry")
	}
}

func TestConnectionStateGauge(t *testing.T) {
	m := New()
	states := []string{"idle", "connecting", "connected"}
	m.SetConnectionState("connecting", states...)
	m.SetConnectionState("connected", states...)

	if got := testutil.ToFloat64(m.connectionState.WithLabelValues("connected")); got != 1 {
		t.Fatalf("connected gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.connectionState.WithLabelValues("connecting")); got != 0 {
		t.Fatalf("connecting gauge = %v, want 0", got)
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.IncChatMessages()
	m.IncContextSync("ok")
	m.IncGeneration("error")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		"topchat_chat_messages_total 1",
		`topchat_context_syncs_total{result="ok"} 1`,
		`topchat_generations_total{result="error"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
