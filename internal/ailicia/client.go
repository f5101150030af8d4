// Package ailicia is a client for the ai_licia REST API and its public chat
// stream.
package ailicia

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/you/ailicia-topchat/internal/telemetry"
)

const (
	DefaultBaseURL         = "https://api.getailicia.com/v1"
	EventContentLimit      = 700
	GenerationContentLimit = 300

	defaultRequestTimeout = 15 * time.Second
	maxErrorBody          = 4 << 10
)

type Config struct {
	APIKey  string
	Channel string
	// BaseURL defaults to DefaultBaseURL; a trailing slash is stripped.
	BaseURL string
	// HTTPClient serves REST calls. The chat stream always uses StreamClient
	// because a client timeout would cut the long-lived body.
	HTTPClient   *http.Client
	StreamClient *http.Client
}

// Client is safe for concurrent use.
type Client struct {
	apiKey  string
	channel string
	baseURL string
	http    *http.Client
	stream  *http.Client
}

func New(cfg Config) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultRequestTimeout}
	}
	sc := cfg.StreamClient
	if sc == nil {
		sc = &http.Client{}
	}
	return &Client{
		apiKey:  strings.TrimSpace(cfg.APIKey),
		channel: strings.TrimSpace(cfg.Channel),
		baseURL: base,
		http:    hc,
		stream:  sc,
	}
}


// SendEvent adds content to ai_licia's context for ttl (whole seconds; zero
// lets the server decide).
func (c *Client) SendEvent(ctx context.Context, content string, ttl time.Duration) error {
	if err := checkContent(OpSendEvent, content, EventContentLimit); err != nil {
		return err
	}
	channel, err := c.resolveChannel("")
	if err != nil {
		return err
	}
	body := eventEnvelope{
		EventType: eventTypeGame,
		Data:      eventData{ChannelName: channel, Content: content, TTL: int(ttl / time.Second)},
	}
	return c.do(ctx, OpSendEvent, http.MethodPost, "/events", body, nil)
}

// TriggerGeneration asks ai_licia to react to content in chat.
func (c *Client) TriggerGeneration(ctx context.Context, content string) (GenerationResponse, error) {
	var out GenerationResponse
	if err := checkContent(OpTriggerGeneration, content, GenerationContentLimit); err != nil {
		return out, err
	}
	channel, err := c.resolveChannel("")
	if err != nil {
		return out, err
	}
	body := eventEnvelope{
		EventType: eventTypeGame,
		Data:      eventData{ChannelName: channel, Content: content},
	}
	err = c.do(ctx, OpTriggerGeneration, http.MethodPost, "/events/generations", body, &out)
	return out, err
}

// SendContext and TriggerReaction let the client drive the leaderboard
// coordinator directly.
func (c *Client) SendContext(ctx context.Context, content string, ttl time.Duration) error {
	return c.SendEvent(ctx, content, ttl)
}

func (c *Client) TriggerReaction(ctx context.Context, content string) error {
	_, err := c.TriggerGeneration(ctx, content)
	return err
}

func (c *Client) ListCharacters(ctx context.Context) ([]CharacterSummary, error) {
	var out []CharacterSummary
	if err := c.do(ctx, OpListCharacters, http.MethodGet, "/characters", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SetActiveCharacter(ctx context.Context, characterID string) error {
	characterID = strings.TrimSpace(characterID)
	if characterID == "" {
		return errors.Wrap(ErrInvalidInput, "characterId is required to activate a character")
	}
	return c.do(ctx, OpSetActiveCharacter, http.MethodPut, "/characters/"+url.PathEscape(characterID)+"/active", nil, nil)
}

// RequestStreamJoin asks ai_licia to join channel, or the configured channel
// when empty.
func (c *Client) RequestStreamJoin(ctx context.Context, channel string) (JoinChannelResponse, error) {
	var out JoinChannelResponse
	target, err := c.resolveChannel(channel)
	if err != nil {
		return out, err
	}
	err = c.do(ctx, OpStreamJoin, http.MethodPost, "/streams/"+url.PathEscape(target), nil, &out)
	return out, err
}

func (c *Client) RequestStreamLeave(ctx context.Context, channel string) error {
	target, err := c.resolveChannel(channel)
	if err != nil {
		return err
	}
	return c.do(ctx, OpStreamLeave, http.MethodDelete, "/streams/"+url.PathEscape(target), nil, nil)
}

func (c *Client) resolveChannel(channel string) (string, error) {
	if ch := strings.TrimSpace(channel); ch != "" {
		return ch, nil
	}
	if c.channel == "" {
		return "", errors.Wrap(ErrInvalidInput, "channel name is required")
	}
	return c.channel, nil
}

func checkContent(op Op, content string, limit int) error {
	if strings.TrimSpace(content) == "" {
		return errors.Wrap(ErrInvalidInput, "content is required")
	}
	if n := utf8.RuneCountInString(content); n > limit {
		return errors.Wrapf(ErrContentTooLong, "%s: %d characters exceeds the %d-character limit", op, n, limit)
	}
	return nil
}

func (c *Client) do(ctx context.Context, op Op, method, path string, body, out any) error {
	ctx, span := telemetry.StartSpan(ctx, "ailicia."+string(op),
		attribute.String("http.request.method", method),
		attribute.String("ailicia.path", path),
	)
	status, err := c.roundTrip(ctx, op, method, path, body, out)
	if status > 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", status))
	}
	telemetry.End(span, err)
	return err
}

func (c *Client) roundTrip(ctx context.Context, op Op, method, path string, body, out any) (int, error) {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, errors.Wrapf(err, "ailicia: encode %s body", op)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return 0, errors.Wrapf(err, "ailicia: build %s request", op)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &APIError{Op: op, Message: err.Error(), Kind: ErrRequestFailed}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, &APIError{
			Op:      op,
			Status:  resp.StatusCode,
			Message: errorDetail(resp.StatusCode, raw),
			Kind:    kindForStatus(op, resp.StatusCode),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return resp.StatusCode, nil
		}
		return resp.StatusCode, errors.Wrapf(err, "ailicia: decode %s response", op)
	}
	return resp.StatusCode, nil
}

// errorDetail prefers the server's {"message": ...} over a generic status line.
func errorDetail(status int, raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if m := strings.TrimSpace(body.Message); m != "" {
			return m
		}
		if m := strings.TrimSpace(body.Error); m != "" {
			return m
		}
	}
	return fmt.Sprintf("Request failed with status code %d", status)
}
