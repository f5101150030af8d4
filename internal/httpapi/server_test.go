package httpapi

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/you/ailicia-topchat/internal/core"
	"github.com/you/ailicia-topchat/internal/metrics"
	"github.com/you/ailicia-topchat/internal/session"
)

type fakeSource struct {
	mu   sync.Mutex
	view session.View
	subs []chan session.View
}

func (f *fakeSource) View() session.View {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view
}

func (f *fakeSource) Subscribe() (<-chan session.View, func()) {
	ch := make(chan session.View, 4)
	f.mu.Lock()
	ch <- f.view
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() {}
}

func (f *fakeSource) publish(v session.View) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.view = v
	for _, ch := range f.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

func (f *fakeSource) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type fakeHistory struct {
	lastFilters Filters
	top         []ChatterTotal
	overtakes   []core.OvertakeEvent
}

func (f *fakeHistory) TopChatters(_ context.Context, filters Filters) ([]ChatterTotal, error) {
	f.lastFilters = filters
	return f.top, nil
}

func (f *fakeHistory) ListOvertakes(_ context.Context, filters Filters) ([]core.OvertakeEvent, error) {
	f.lastFilters = filters
	return f.overtakes, nil
}

func (f *fakeHistory) Ping() error { return nil }

func sampleView() session.View {
	return session.View{
		SessionID: "s-1",
		Channel:   "elora",
		Entries: []core.LeaderboardEntry{
			{Username: "alice", Count: 3, MessagesPerMinute: 1.5, Transition: core.TransitionEnter},
		},
		TotalRate: 1.5,
		Status:    session.Status{State: session.StateConnected, Message: "Live and listening"},
	}
}

func newTestServer(t *testing.T, history History, opts Options) (*fakeSource, *httptest.Server) {
	t.Helper()
	src := &fakeSource{view: sampleView()}
	srv := New(src, history, metrics.New(), opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
		ts.Close()
	})
	return src, ts
}

func TestLeaderboardAndStatus(t *testing.T) {
	_, ts := newTestServer(t, nil, Options{})

	resp, err := http.Get(ts.URL + "/leaderboard")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var v session.View
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	require.Len(t, v.Entries, 1)
	assert.Equal(t, "alice", v.Entries[0].Username)
	assert.Equal(t, session.StateConnected, v.Status.State)

	resp, err = http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st struct {
		Channel string         `json:"channel"`
		Status  session.Status `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "elora", st.Channel)
	assert.Equal(t, "Live and listening", st.Status.Message)
}

func TestHistoryRoutes(t *testing.T) {
	_, plain := newTestServer(t, nil, Options{})
	resp, err := http.Get(plain.URL + "/history/top")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	h := &fakeHistory{top: []ChatterTotal{{Username: "bob", Count: 9}}}
	_, ts := newTestServer(t, h, Options{})

	resp, err = http.Get(ts.URL + "/history/top?limit=5&since=1h&username=Bob")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var rows []ChatterTotal
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	assert.Equal(t, []ChatterTotal{{Username: "bob", Count: 9}}, rows)
	assert.Equal(t, 5, h.lastFilters.Limit)
	assert.Equal(t, []string{"bob"}, h.lastFilters.Usernames)
	require.NotNil(t, h.lastFilters.Since)

	resp, err = http.Get(ts.URL + "/overtakes?order=asc")
	require.NoError(t, err)
	defer resp.Body.Close()
	var evs []core.OvertakeEvent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&evs))
	assert.Empty(t, evs)
	assert.Equal(t, OrderAsc, h.lastFilters.Order)
	assert.Equal(t, defaultLimit, h.lastFilters.Limit)

	resp, err = http.Get(ts.URL + "/overtakes?limit=-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamPushesLeaderboardEvents(t *testing.T) {
	src, ts := newTestServer(t, nil, Options{})

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	lines := make(chan string, 32)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	next := func() string {
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatal("stream ended")
				}
				if strings.HasPrefix(line, "data: ") {
					return strings.TrimPrefix(line, "data: ")
				}
			case <-time.After(3 * time.Second):
				t.Fatal("no event")
			}
		}
	}

	var first session.View
	require.NoError(t, json.Unmarshal([]byte(next()), &first))
	assert.Equal(t, "alice", first.Entries[0].Username)

	require.Eventually(t, func() bool { return src.subscribers() == 1 }, time.Second, 10*time.Millisecond)
	updated := sampleView()
	updated.Entries[0].Username = "bob"
	src.publish(updated)

	var second session.View
	require.NoError(t, json.Unmarshal([]byte(next()), &second))
	assert.Equal(t, "bob", second.Entries[0].Username)
}

func TestWebSocketFeed(t *testing.T) {
	src, ts := newTestServer(t, nil, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var v session.View
	require.NoError(t, wsjson.Read(ctx, conn, &v))
	assert.Equal(t, "s-1", v.SessionID)

	updated := sampleView()
	updated.TotalRate = 4
	src.publish(updated)
	require.NoError(t, wsjson.Read(ctx, conn, &v))
	assert.Equal(t, 4.0, v.TotalRate)
}

func TestRateLimit(t *testing.T) {
	_, ts := newTestServer(t, nil, Options{RateRPS: 1, RateBurst: 1})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestCORSAndGzip(t *testing.T) {
	_, ts := newTestServer(t, nil, Options{CORSOrigins: []string{"https://overlay.test"}})

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/leaderboard", nil)
	req.Header.Set("Origin", "https://evil.test")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/leaderboard", nil)
	req.Header.Set("Origin", "https://overlay.test")
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err = http.DefaultTransport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "https://overlay.test", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
	zr, err := gzip.NewReader(resp.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"channel":"elora"`)

	req, _ = http.NewRequest(http.MethodOptions, ts.URL+"/leaderboard", nil)
	req.Header.Set("Origin", "https://overlay.test")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestInfoConfigAndMetrics(t *testing.T) {
	_, ts := newTestServer(t, nil, Options{
		EnableMetrics: true,
		Build:         BuildInfo{Version: "1.2.3", Revision: "abc"},
		Config:        func() []byte { return []byte(`{"ok":true}`) },
	})

	resp, err := http.Get(ts.URL + "/info")
	require.NoError(t, err)
	defer resp.Body.Close()
	var info infoResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, "elora", info.Channel)
	assert.False(t, info.Archive)

	resp, err = http.Get(ts.URL + "/config")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.JSONEq(t, `{"ok":true}`, string(body))

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "topchat_http_requests_total")
}

func TestParseFilters(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name    string
		query   string
		wantErr bool
		check   func(t *testing.T, f Filters)
	}{
		{name: "defaults", query: "", check: func(t *testing.T, f Filters) {
			assert.Equal(t, 7, f.Limit)
			assert.Equal(t, OrderDesc, f.Order)
			assert.Nil(t, f.Since)
		}},
		{name: "limit capped", query: "limit=5000", check: func(t *testing.T, f Filters) {
			assert.Equal(t, maxLimit, f.Limit)
		}},
		{name: "usernames deduped", query: "username=Alice,bob&username=ALICE", check: func(t *testing.T, f Filters) {
			assert.Equal(t, []string{"alice", "bob"}, f.Usernames)
		}},
		{name: "unix since", query: "since=1714564800", check: func(t *testing.T, f Filters) {
			require.NotNil(t, f.Since)
			assert.Equal(t, time.Unix(1714564800, 0).UTC(), *f.Since)
		}},
		{name: "bad order", query: "order=sideways", wantErr: true},
		{name: "bad limit", query: "limit=abc", wantErr: true},
		{name: "bad since", query: "since=yesterday", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			values, err := url.ParseQuery(tc.query)
			require.NoError(t, err)
			f, err := ParseFilters(values, 7)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tc.check(t, f)
		})
	}

	since, err := parseSince("90m", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-90*time.Minute), since)
}
