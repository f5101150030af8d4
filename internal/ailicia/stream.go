package ailicia

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/you/ailicia-topchat/internal/core"
	"github.com/you/ailicia-topchat/internal/sse"
)

const chatStreamPath = "/events/chat/messages/stream"

// ErrMalformedMessage marks stream frames whose payload could not be decoded.
// The stream keeps running after reporting one.
var ErrMalformedMessage = errors.New("malformed chat message")

// ChatStream is a running public chat subscription.
type ChatStream interface {
	Close()
}

type StreamOptions struct {
	// Roles filters the stream server-side; empty means every role.
	Roles  []core.Role
	Policy sse.Policy

	OnMessage   func(core.ChatEvent)
	OnError     func(error)
	OnOpen      func()
	OnClose     func()
	OnReconnect func(attempt int, delay time.Duration)
	OnState     func(sse.State)
	// OnDrop reports frames that never reached OnMessage.
	OnDrop func(reason string)

	DebugDrops bool
}

// ChatStreamURL builds the stream endpoint for roles.
func (c *Client) ChatStreamURL(roles []core.Role) string {
	u := c.baseURL + chatStreamPath
	if len(roles) == 0 {
		return u
	}
	parts := make([]string, 0, len(roles))
	for _, r := range roles {
		if r == "" {
			continue
		}
		parts = append(parts, url.QueryEscape(string(r)))
	}
	if len(parts) == 0 {
		return u
	}
	return u + "?roles=" + strings.Join(parts, ",")
}

// StreamPublicChatMessages subscribes to the public chat stream. Messages that
// fail to decode are reported through OnError and skipped.
func (c *Client) StreamPublicChatMessages(opts StreamOptions) (ChatStream, error) {
	if opts.OnMessage == nil {
		return nil, errors.New("ailicia: OnMessage callback is required to consume chat messages")
	}
	if c.apiKey == "" {
		return nil, errors.Wrap(ErrUnauthorized, "ailicia: api key is required to open the chat stream")
	}

	header := http.Header{}
	header.Set("Accept", "text/event-stream")
	header.Set("Authorization", "Bearer "+c.apiKey)

	drop := func(reason string) {
		if opts.OnDrop != nil {
			opts.OnDrop(reason)
		}
	}

	s := sse.Open(sse.Config{
		URL:        c.ChatStreamURL(opts.Roles),
		Header:     header,
		Policy:     opts.Policy,
		Client:     c.stream,
		DebugDrops: opts.DebugDrops,
	}, sse.Handlers{
		OnFrame: func(f sse.Frame) {
			ev, err := decodeChatMessage(f)
			if err != nil {
				drop("parse")
				if opts.OnError != nil {
					opts.OnError(err)
				}
				return
			}
			opts.OnMessage(ev)
		},
		OnDrop:      func(reason string, _ sse.Frame) { drop(reason) },
		OnError:     opts.OnError,
		OnOpen:      opts.OnOpen,
		OnClose:     opts.OnClose,
		OnReconnect: opts.OnReconnect,
		OnState:     opts.OnState,
	})
	return s, nil
}

func decodeChatMessage(f sse.Frame) (core.ChatEvent, error) {
	var msg chatMessage
	if err := json.Unmarshal([]byte(f.Data), &msg); err != nil {
		return core.ChatEvent{}, errors.Wrapf(ErrMalformedMessage, "ailicia: decode chat message: %v", err)
	}
	ev := core.ChatEvent{
		ID:           f.ID,
		Username:     strings.TrimSpace(msg.Username),
		Content:      msg.Content,
		IsSubscriber: msg.IsSub,
	}
	if msg.ID != nil && *msg.ID != "" {
		ev.ID = *msg.ID
	}
	if raw := strings.TrimSpace(msg.Role); raw != "" {
		if role, ok := core.ParseRole(raw); ok {
			ev.Role = role
		} else {
			ev.Role = core.Role(raw)
		}
	}
	if msg.SentDateTime != "" {
		if ts, err := time.Parse(time.RFC3339Nano, msg.SentDateTime); err == nil {
			ev.SentAt = ts
		}
	}
	return ev, nil
}
