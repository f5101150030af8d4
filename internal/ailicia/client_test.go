package ailicia

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	auth   string
	ctype  string
	body   string
}

func newTestServer(t *testing.T, status int, response string) (*httptest.Server, <-chan recorded) {
	t.Helper()
	reqs := make(chan recorded, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		reqs <- recorded{
			method: r.Method,
			path:   r.URL.Path,
			auth:   r.Header.Get("Authorization"),
			ctype:  r.Header.Get("Content-Type"),
			body:   string(raw),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv, reqs
}

func TestSendEventWireFormat(t *testing.T) {
	srv, reqs := newTestServer(t, http.StatusAccepted, "")
	c := New(Config{APIKey: "key-1", Channel: "chan", BaseURL: srv.URL + "/"})

	require.NoError(t, c.SendEvent(context.Background(), "hello", 90*time.Second))

	got := <-reqs
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/events", got.path)
	assert.Equal(t, "key-1", got.auth)
	assert.Equal(t, "application/json", got.ctype)
	assert.JSONEq(t, `{"eventType":"GAME_EVENT","data":{"channelName":"chan","content":"hello","ttl":90}}`, got.body)
}

func TestTriggerGenerationOmitsTTL(t *testing.T) {
	srv, reqs := newTestServer(t, http.StatusOK,
		`{"id":"g1","content":"hi chat","createdAt":"2024-05-01T10:00:00Z","status":"completed"}`)
	c := New(Config{APIKey: "k", Channel: "chan", BaseURL: srv.URL})

	resp, err := c.TriggerGeneration(context.Background(), "react")
	require.NoError(t, err)
	assert.Equal(t, "g1", resp.ID)
	assert.Equal(t, GenerationCompleted, resp.Status)
	assert.Empty(t, resp.AudioPath)

	got := <-reqs
	assert.Equal(t, "/events/generations", got.path)
	assert.JSONEq(t, `{"eventType":"GAME_EVENT","data":{"channelName":"chan","content":"react"}}`, got.body)
}

func TestEventErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		op     Op
		kind   error
		want   string
	}{
		{400, OpSendEvent, ErrInvalidInput, "Invalid input: bad"},
		{401, OpSendEvent, ErrUnauthorized, "Unauthorized: Not allowed to send events for this channel. bad"},
		{422, OpSendEvent, ErrContentTooLong, "Content exceeds the 700-character limit: bad"},
		{429, OpSendEvent, ErrRequestFailed, "Failed to send event: bad"},
		{500, OpSendEvent, ErrRequestFailed, "Failed to send event: bad"},
		{422, OpTriggerGeneration, ErrContentTooLong, "Content exceeds the 300-character limit: bad"},
		{429, OpTriggerGeneration, ErrRateLimited, "Too many requests: bad"},
		{503, OpTriggerGeneration, ErrRequestFailed, "Failed to trigger generation: bad"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%d", tt.op, tt.status), func(t *testing.T) {
			srv, _ := newTestServer(t, tt.status, `{"message":"bad"}`)
			c := New(Config{APIKey: "k", Channel: "chan", BaseURL: srv.URL})

			var err error
			if tt.op == OpSendEvent {
				err = c.SendEvent(context.Background(), "x", 0)
			} else {
				_, err = c.TriggerGeneration(context.Background(), "x")
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind), "kind %v", err)
			assert.Equal(t, tt.want, err.Error())

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.Status)
		})
	}
}

func TestErrorDetailFallsBackToStatus(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusBadGateway, "<html>nope</html>")
	c := New(Config{APIKey: "k", Channel: "chan", BaseURL: srv.URL})

	_, err := c.ListCharacters(context.Background())
	require.Error(t, err)
	assert.Equal(t, "Failed to list characters: Request failed with status code 502", err.Error())
}

func TestLocalValidation(t *testing.T) {
	c := New(Config{APIKey: "k", BaseURL: "http://127.0.0.1:1"})

	err := c.SendEvent(context.Background(), strings.Repeat("é", EventContentLimit+1), 0)
	assert.True(t, errors.Is(err, ErrContentTooLong))

	_, err = c.TriggerGeneration(context.Background(), strings.Repeat("a", GenerationContentLimit+1))
	assert.True(t, errors.Is(err, ErrContentTooLong))

	err = c.SendEvent(context.Background(), "  ", 0)
	assert.True(t, errors.Is(err, ErrInvalidInput))

	err = c.SendEvent(context.Background(), "ok", 0)
	assert.True(t, errors.Is(err, ErrInvalidInput), "missing channel")

	err = c.SetActiveCharacter(context.Background(), "")
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestSendEventAcceptsExactLimit(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusOK, "")
	c := New(Config{APIKey: "k", Channel: "chan", BaseURL: srv.URL})
	assert.NoError(t, c.SendEvent(context.Background(), strings.Repeat("é", EventContentLimit), 0))
}

func TestCharactersAndStreams(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Method+" "+r.URL.EscapedPath())
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/characters":
			fmt.Fprint(w, `[{"id":"c1","name":"Licia","description":"default","isActive":true}]`)
		case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/streams/"):
			fmt.Fprint(w, `{"success":true,"message":"joining","alreadyJoined":false,"timeout":30}`)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", Channel: "my chan", BaseURL: srv.URL})
	ctx := context.Background()

	chars, err := c.ListCharacters(ctx)
	require.NoError(t, err)
	require.Len(t, chars, 1)
	assert.Equal(t, CharacterSummary{ID: "c1", Name: "Licia", Description: "default", IsActive: true}, chars[0])

	require.NoError(t, c.SetActiveCharacter(ctx, "c/1"))

	join, err := c.RequestStreamJoin(ctx, "")
	require.NoError(t, err)
	assert.True(t, join.Success)
	require.NotNil(t, join.AlreadyJoined)
	assert.False(t, *join.AlreadyJoined)
	require.NotNil(t, join.Timeout)
	assert.Equal(t, 30, *join.Timeout)
	assert.Nil(t, join.RequiresSubscription)

	require.NoError(t, c.RequestStreamLeave(ctx, "other"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"GET /characters",
		"PUT /characters/c%2F1/active",
		"POST /streams/my%20chan",
		"DELETE /streams/other",
	}, seen)
}

func TestTransportErrorIsRequestFailed(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := New(Config{APIKey: "k", Channel: "chan", BaseURL: base})
	err := c.SendEvent(context.Background(), "x", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRequestFailed))
	assert.True(t, strings.HasPrefix(err.Error(), "Failed to send event: "))
}

func TestClientSatisfiesReactorShape(t *testing.T) {
	srv, reqs := newTestServer(t, http.StatusOK, `{"id":"g"}`)
	c := New(Config{APIKey: "k", Channel: "chan", BaseURL: srv.URL})

	require.NoError(t, c.SendContext(context.Background(), "ctx", 0))
	require.NoError(t, c.TriggerReaction(context.Background(), "react"))

	first := <-reqs
	second := <-reqs
	assert.Equal(t, "/events", first.path)
	assert.Equal(t, "/events/generations", second.path)

	var env eventEnvelope
	require.NoError(t, json.Unmarshal([]byte(first.body), &env))
	assert.Zero(t, env.Data.TTL)
}
