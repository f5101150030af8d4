// Package coordinator turns leaderboard changes into rate-limited calls to
// ai_licia: periodic context summaries and reactions when the top chatter
// changes.
//
// A Coordinator is not safe for concurrent use. Every method, timer callback
// and completion callback runs on the Loop it was built with.
package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/you/ailicia-topchat/internal/core"
	"github.com/you/ailicia-topchat/internal/metrics"
)

const (
	DefaultContextInterval = 60 * time.Second
	MinContextInterval     = 15 * time.Second
	DefaultCooldown        = 25 * time.Second
)

// Reactor is the outbound capability the coordinator drives.
type Reactor interface {
	SendContext(ctx context.Context, content string, ttl time.Duration) error
	TriggerReaction(ctx context.Context, content string) error
}

// Loop is the single-writer executor the coordinator runs on.
type Loop interface {
	Now() time.Time
	// Go runs call off the loop and delivers its result to done on the loop.
	Go(call func(context.Context) error, done func(error))
	// AfterFunc runs fn on the loop once d has elapsed.
	AfterFunc(d time.Duration, fn func()) (stop func() bool)
}

type Options struct {
	ContextInterval time.Duration
	// ContextTTL is forwarded with each context summary; zero sends none.
	ContextTTL      time.Duration
	OvertakeEnabled bool
	// DigestInterval batches overtakes; zero reacts to each one immediately.
	DigestInterval time.Duration
	Cooldown       time.Duration
	Metrics        *metrics.Metrics
	// OnOvertake observes every detected leader change, notified or not.
	OnOvertake func(core.OvertakeEvent)
}

func (o Options) normalized() Options {
	if o.ContextInterval <= 0 {
		o.ContextInterval = DefaultContextInterval
	}
	if o.ContextInterval < MinContextInterval {
		o.ContextInterval = MinContextInterval
	}
	if o.ContextTTL < 0 {
		o.ContextTTL = 0
	}
	if o.DigestInterval < 0 {
		o.DigestInterval = 0
	}
	if o.Cooldown <= 0 {
		o.Cooldown = DefaultCooldown
	}
	return o
}

type Coordinator struct {
	loop    Loop
	reactor Reactor
	opts    Options

	syncInFlight bool
	lastSyncAt   time.Time

	leader      string
	digest      []core.OvertakeEvent
	digestStop  func() bool
	digestToken uint64

	pending          string
	hasPending       bool
	genInFlight      bool
	lastGenerationAt time.Time
	cooldownStop     func() bool
}

func New(loop Loop, opts Options) *Coordinator {
	return &Coordinator{loop: loop, opts: opts.normalized()}
}

// SetReactor swaps the outbound client. A nil reactor disables both flows.
func (c *Coordinator) SetReactor(r Reactor) {
	c.reactor = r
}

// Options returns the effective options.
func (c *Coordinator) Options() Options {
	return c.opts
}

// Configure applies new options. Switching from digest to immediate mode
// flushes whatever is buffered.
func (c *Coordinator) Configure(opts Options) {
	opts = opts.normalized()
	if opts.Metrics == nil {
		opts.Metrics = c.opts.Metrics
	}
	if opts.OnOvertake == nil {
		opts.OnOvertake = c.opts.OnOvertake
	}
	digestChanged := opts.DigestInterval != c.opts.DigestInterval || opts.OvertakeEnabled != c.opts.OvertakeEnabled
	prevWindow := c.opts.DigestInterval
	c.opts = opts
	if !digestChanged {
		return
	}
	c.stopDigest()
	if !c.opts.OvertakeEnabled {
		c.digest = nil
		return
	}
	if c.opts.DigestInterval == 0 {
		c.flushDigest(prevWindow)
		return
	}
	c.armDigest()
}

// Start arms the digest timer for a new session.
func (c *Coordinator) Start() {
	c.stopDigest()
	if c.opts.OvertakeEnabled && c.opts.DigestInterval > 0 {
		c.armDigest()
	}
}

// Reset drops all session-scoped state: the tracked leader, buffered
// overtakes, the pending reaction and scheduled timers. Calls already in
// flight finish on their own; the sync interval and generation cooldown keep
// counting across sessions.
func (c *Coordinator) Reset() {
	c.stopDigest()
	c.digest = nil
	c.leader = ""
	c.pending = ""
	c.hasPending = false
	if c.cooldownStop != nil {
		c.cooldownStop()
		c.cooldownStop = nil
	}
}

// Observe reacts to a published leaderboard change.
func (c *Coordinator) Observe(entries []core.LeaderboardEntry) {
	c.maybeSyncContext(entries)
	c.checkOvertake(entries)
}

func (c *Coordinator) maybeSyncContext(entries []core.LeaderboardEntry) {
	if c.reactor == nil || len(entries) == 0 || c.syncInFlight {
		return
	}
	now := c.loop.Now()
	if !c.lastSyncAt.IsZero() && now.Sub(c.lastSyncAt) < c.opts.ContextInterval {
		return
	}

	summary := ContextSummary(entries)
	reactor := c.reactor
	ttl := c.opts.ContextTTL
	c.syncInFlight = true
	c.loop.Go(func(ctx context.Context) error {
		return reactor.SendContext(ctx, summary, ttl)
	}, func(err error) {
		c.syncInFlight = false
		c.lastSyncAt = c.loop.Now()
		if err != nil {
			c.opts.Metrics.IncContextSync("error")
			slog.Warn("coordinator: context sync failed", "err", err)
			return
		}
		c.opts.Metrics.IncContextSync("ok")
		slog.Debug("coordinator: context synced", "summary", summary)
	})
}

func (c *Coordinator) checkOvertake(entries []core.LeaderboardEntry) {
	if len(entries) == 0 {
		return
	}
	top := entries[0]
	prev := c.leader
	c.leader = top.Username
	if prev == "" || core.NormalizeUsername(prev) == core.NormalizeUsername(top.Username) {
		return
	}

	ev := core.OvertakeEvent{From: prev, To: top.Username, Count: top.Count, At: c.loop.Now()}
	if c.opts.OnOvertake != nil {
		c.opts.OnOvertake(ev)
	}
	if !c.opts.OvertakeEnabled {
		return
	}
	if c.opts.DigestInterval > 0 {
		c.opts.Metrics.IncOvertake("digest")
		c.digest = append(c.digest, ev)
		return
	}
	c.opts.Metrics.IncOvertake("immediate")
	c.Enqueue(OvertakeMessage(ev))
}

func (c *Coordinator) armDigest() {
	c.digestToken++
	token := c.digestToken
	c.digestStop = c.loop.AfterFunc(c.opts.DigestInterval, func() {
		if token != c.digestToken {
			return
		}
		c.digestStop = nil
		c.FlushDigest()
		c.armDigest()
	})
}

func (c *Coordinator) stopDigest() {
	c.digestToken++
	if c.digestStop != nil {
		c.digestStop()
		c.digestStop = nil
	}
}

// FlushDigest composes buffered overtakes into one reaction.
func (c *Coordinator) FlushDigest() {
	c.flushDigest(c.opts.DigestInterval)
}

func (c *Coordinator) flushDigest(window time.Duration) {
	if len(c.digest) == 0 {
		return
	}
	if window <= 0 {
		window = time.Minute
	}
	msg, included := DigestMessage(c.digest, window, digestLimit)
	slog.Info("coordinator: flushing overtake digest", "events", len(c.digest), "included", included)
	c.digest = nil
	c.Enqueue(msg)
}

// Enqueue schedules a reaction. Only the newest pending message survives
// while a call is in flight or the cooldown is running.
func (c *Coordinator) Enqueue(message string) {
	if c.reactor == nil {
		slog.Debug("coordinator: no reactor; dropping reaction", "message", message)
		return
	}
	if c.hasPending {
		slog.Debug("coordinator: replacing pending reaction")
	}
	c.pending = message
	c.hasPending = true
	c.process()
}

func (c *Coordinator) process() {
	if c.genInFlight || !c.hasPending || c.reactor == nil {
		return
	}
	now := c.loop.Now()
	if !c.lastGenerationAt.IsZero() {
		if wait := c.opts.Cooldown - now.Sub(c.lastGenerationAt); wait > 0 {
			if c.cooldownStop == nil {
				c.cooldownStop = c.loop.AfterFunc(wait, func() {
					c.cooldownStop = nil
					c.process()
				})
			}
			return
		}
	}

	msg := c.pending
	c.pending = ""
	c.hasPending = false
	c.genInFlight = true
	reactor := c.reactor
	c.loop.Go(func(ctx context.Context) error {
		return reactor.TriggerReaction(ctx, msg)
	}, func(err error) {
		c.genInFlight = false
		c.lastGenerationAt = c.loop.Now()
		if err != nil {
			c.opts.Metrics.IncGeneration("error")
			slog.Warn("coordinator: reaction trigger failed", "err", err)
		} else {
			c.opts.Metrics.IncGeneration("ok")
			slog.Info("coordinator: reaction triggered", "message", msg)
		}
		c.process()
	})
}

// State is a read-only view of the coordinator for status endpoints.
type State struct {
	Leader             string    `json:"leader,omitempty"`
	SyncInFlight       bool      `json:"syncInFlight"`
	LastSyncAt         time.Time `json:"lastSyncAt,omitzero"`
	GenerationInFlight bool      `json:"generationInFlight"`
	GenerationPending  bool      `json:"generationPending"`
	LastGenerationAt   time.Time `json:"lastGenerationAt,omitzero"`
	DigestBuffered     int       `json:"digestBuffered"`
}

func (c *Coordinator) State() State {
	return State{
		Leader:             c.leader,
		SyncInFlight:       c.syncInFlight,
		LastSyncAt:         c.lastSyncAt,
		GenerationInFlight: c.genInFlight,
		GenerationPending:  c.hasPending,
		LastGenerationAt:   c.lastGenerationAt,
		DigestBuffered:     len(c.digest),
	}
}
