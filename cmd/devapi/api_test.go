package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/ailicia-topchat/internal/ailicia"
	"github.com/you/ailicia-topchat/internal/core"
	"github.com/you/ailicia-topchat/internal/sse"
)

func newTestAPI(t *testing.T) (*devAPI, *httptest.Server, *ailicia.Client) {
	t.Helper()
	api := newDevAPI("dev-key")
	srv := httptest.NewServer(api.routes())
	t.Cleanup(srv.Close)
	client := ailicia.New(ailicia.Config{APIKey: "dev-key", Channel: "somechannel", BaseURL: srv.URL})
	return api, srv, client
}

func TestDevAPIRecordsEvents(t *testing.T) {
	api, _, client := newTestAPI(t)
	ctx := context.Background()

	require.NoError(t, client.SendEvent(ctx, "top chatter is alice", 30*time.Second))
	gen, err := client.TriggerGeneration(ctx, "bob overtook alice")
	require.NoError(t, err)
	assert.NotEmpty(t, gen.ID)
	assert.Equal(t, ailicia.GenerationCompleted, gen.Status)

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.events, 2)
	assert.Equal(t, "event", api.events[0].Kind)
	assert.Equal(t, "somechannel", api.events[0].Channel)
	assert.Equal(t, 30, api.events[0].TTL)
	assert.Equal(t, "generation", api.events[1].Kind)
}

func TestDevAPIRejectsBadKey(t *testing.T) {
	_, srv, _ := newTestAPI(t)
	client := ailicia.New(ailicia.Config{APIKey: "wrong", Channel: "somechannel", BaseURL: srv.URL})
	err := client.SendEvent(context.Background(), "hello", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ailicia.ErrUnauthorized))
}

func TestDevAPICharactersAndStreams(t *testing.T) {
	_, _, client := newTestAPI(t)
	ctx := context.Background()

	chars, err := client.ListCharacters(ctx)
	require.NoError(t, err)
	require.Len(t, chars, 2)

	require.NoError(t, client.SetActiveCharacter(ctx, "grumpy"))
	chars, err = client.ListCharacters(ctx)
	require.NoError(t, err)
	for _, c := range chars {
		assert.Equal(t, c.ID == "grumpy", c.IsActive, c.ID)
	}
	assert.Error(t, client.SetActiveCharacter(ctx, "missing"))

	first, err := client.RequestStreamJoin(ctx, "somechannel")
	require.NoError(t, err)
	require.NotNil(t, first.AlreadyJoined)
	assert.False(t, *first.AlreadyJoined)
	second, err := client.RequestStreamJoin(ctx, "somechannel")
	require.NoError(t, err)
	assert.True(t, *second.AlreadyJoined)

	require.NoError(t, client.RequestStreamLeave(ctx, "somechannel"))
	assert.Error(t, client.RequestStreamLeave(ctx, "somechannel"))
}

func TestDevAPIStreamsEmittedChat(t *testing.T) {
	api, srv, client := newTestAPI(t)

	opened := make(chan struct{}, 1)
	got := make(chan core.ChatEvent, 4)
	stream, err := client.StreamPublicChatMessages(ailicia.StreamOptions{
		Roles:     []core.Role{core.RoleMod, core.RoleVIP},
		Policy:    sse.Policy{Enabled: false},
		OnMessage: func(ev core.ChatEvent) { got <- ev },
		OnOpen: func() {
			select {
			case opened <- struct{}{}:
			default:
			}
		},
	})
	require.NoError(t, err)
	t.Cleanup(stream.Close)

	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not open")
	}
	require.Eventually(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.streams) == 1
	}, 2*time.Second, 10*time.Millisecond)

	var delivered atomic.Int64
	emit := func(body map[string]any) {
		payload, _ := json.Marshal(body)
		resp, err := http.Post(srv.URL+"/emit", "application/json", bytes.NewReader(payload))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out struct {
			Delivered int64 `json:"delivered"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		delivered.Add(out.Delivered)
	}

	emit(map[string]any{"username": "viewer1", "content": "filtered out", "role": "Viewer"})
	emit(map[string]any{"id": "m-1", "username": "Alice", "content": "hi chat", "role": "Mod", "isSub": true})

	select {
	case ev := <-got:
		assert.Equal(t, "m-1", ev.ID)
		assert.Equal(t, "Alice", ev.Username)
		assert.Equal(t, core.RoleMod, ev.Role)
		assert.True(t, ev.IsSubscriber)
	case <-time.After(2 * time.Second):
		t.Fatal("no chat message received")
	}
	assert.Equal(t, int64(1), delivered.Load())
}

func TestDevAPIEmitValidation(t *testing.T) {
	_, srv, _ := newTestAPI(t)
	for name, body := range map[string]string{
		"bad json":     `{`,
		"no username":  `{"content":"x"}`,
		"unknown role": `{"username":"a","content":"x","role":"Overlord"}`,
	} {
		resp, err := http.Post(srv.URL+"/emit", "application/json", bytes.NewBufferString(body))
		require.NoError(t, err, name)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
	}
}
