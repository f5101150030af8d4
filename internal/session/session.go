// Package session owns one live leaderboard: the chat stream subscription,
// rolling stats, ranking and the side-effect coordinator. All of that state is
// mutated on a single loop goroutine; every exported method either posts work
// to that loop or reads a published snapshot.
package session

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/you/ailicia-topchat/internal/ailicia"
	"github.com/you/ailicia-topchat/internal/coordinator"
	"github.com/you/ailicia-topchat/internal/core"
	"github.com/you/ailicia-topchat/internal/ingesttrace"
	"github.com/you/ailicia-topchat/internal/leaderboard"
	"github.com/you/ailicia-topchat/internal/metrics"
	"github.com/you/ailicia-topchat/internal/sse"
	"github.com/you/ailicia-topchat/internal/stats"
)

const (
	DefaultRateRefresh = time.Second
	DefaultCallTimeout = 30 * time.Second
	taskQueueSize      = 256
)

var ErrClosed = errors.New("session closed")

type Credentials struct {
	APIKey  string
	Channel string
	BaseURL string
}

// Complete reports whether streaming can start.
func (c Credentials) Complete() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.Channel) != ""
}

// Client is what a session needs from the remote API.
type Client interface {
	coordinator.Reactor
	StreamPublicChatMessages(ailicia.StreamOptions) (ailicia.ChatStream, error)
}

type ClientFactory func(Credentials) Client

// Archiver persists what the session observes. Errors are logged and counted,
// never fatal.
type Archiver interface {
	ArchiveChat(core.ChatEvent) error
	ArchiveOvertake(core.OvertakeEvent) error
}

type Options struct {
	Roles       []core.Role
	Excluded    stats.ExclusionSet
	Policy      sse.Policy
	Stats       stats.Options
	Coordinator coordinator.Options
	// RateRefresh re-snapshots while connected so decaying rates are
	// published during quiet chat.
	RateRefresh time.Duration
	CallTimeout time.Duration
	NewClient   ClientFactory
	Archive     Archiver
	Metrics     *metrics.Metrics
	Now         func() time.Time
	DebugDrops  bool
	// TraceIngest logs the path of every chat message at debug level.
	TraceIngest bool
}

// View is what a session publishes after every ranking or status change.
type View struct {
	SessionID string                  `json:"sessionId,omitempty"`
	Channel   string                  `json:"channel,omitempty"`
	Entries   []core.LeaderboardEntry `json:"entries"`
	TotalRate float64                 `json:"totalRate"`
	Status    Status                  `json:"status"`
	UpdatedAt time.Time               `json:"updatedAt"`
}

// Inspection is a consistent read of loop-owned state.
type Inspection struct {
	View        View                   `json:"view"`
	Coordinator coordinator.State      `json:"coordinator"`
	Chatters    int                    `json:"chatters"`
	Excluded    []string               `json:"excluded"`
	Roles       []core.Role            `json:"roles,omitempty"`
	// Leader is the rank-1 entry of the last published ranking.
	Leader      *core.LeaderboardEntry `json:"leader,omitempty"`
}

type Session struct {
	opts  Options
	tasks chan func()
	done  chan struct{}
	gen   atomic.Uint64

	// loop-owned
	runCtx   context.Context
	id       string
	creds    Credentials
	excluded stats.ExclusionSet
	store    *stats.Store
	board    leaderboard.Board
	coord    *coordinator.Coordinator
	seen     *seenIDs
	stream   ailicia.ChatStream
	machine  machine
	stopped  bool

	view atomic.Pointer[View]

	subMu sync.Mutex
	subs  map[chan View]struct{}
}

func New(opts Options) *Session {
	if opts.RateRefresh <= 0 {
		opts.RateRefresh = DefaultRateRefresh
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewClient == nil {
		opts.NewClient = AiliciaClients(nil)
	}
	if opts.Excluded == nil {
		opts.Excluded = stats.ExclusionSet{}
	}

	s := &Session{
		opts:     opts,
		tasks:    make(chan func(), taskQueueSize),
		done:     make(chan struct{}),
		excluded: opts.Excluded,
		store:    stats.New(opts.Stats),
		seen:     newSeenIDs(0),
		machine:  newMachine(opts.Now()),
		subs:     make(map[chan View]struct{}),
	}
	copts := opts.Coordinator
	if copts.Metrics == nil {
		copts.Metrics = opts.Metrics
	}
	userHook := copts.OnOvertake
	copts.OnOvertake = func(ev core.OvertakeEvent) {
		s.onOvertake(ev)
		if userHook != nil {
			userHook(ev)
		}
	}
	s.coord = coordinator.New(loopAdapter{s: s}, copts)
	s.opts.Metrics.SetConnectionState(string(StateIdle), stateNames()...)
	s.storeView()
	return s
}

// AiliciaClients builds session clients backed by the ai_licia SDK.
func AiliciaClients(restClient *http.Client) ClientFactory {
	return func(c Credentials) Client {
		cfg := ailicia.Config{APIKey: c.APIKey, Channel: c.Channel, BaseURL: c.BaseURL}
		if restClient != nil {
			cfg.HTTPClient = restClient
		}
		return ailicia.New(cfg)
	}
}

// Run drives the loop until ctx is cancelled or Close is called.
func (s *Session) Run(ctx context.Context) error {
	s.runCtx = ctx
	defer close(s.done)
	ticker := time.NewTicker(s.opts.RateRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case fn := <-s.tasks:
			fn()
		case <-ticker.C:
			s.refresh()
		}
		if s.stopped {
			return nil
		}
	}
}

// Done is closed after Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// UpdateCredentials supersedes the current stream. Incomplete credentials
// leave the session idle.
func (s *Session) UpdateCredentials(creds Credentials) {
	s.post(func() { s.restart(creds) })
}

// SetExcluded swaps the exclusion set and re-ranks before returning, so the
// published view already reflects it.
func (s *Session) SetExcluded(ctx context.Context, set stats.ExclusionSet) error {
	if set == nil {
		set = stats.ExclusionSet{}
	}
	return s.call(ctx, func() {
		s.excluded = set
		s.recompute(s.now())
		slog.Info("session: exclusions updated", "excluded", set.Names())
	})
}

// Configure edits the coordinator options on the loop and returns the
// normalized result.
func (s *Session) Configure(ctx context.Context, edit func(*coordinator.Options)) (coordinator.Options, error) {
	var out coordinator.Options
	err := s.call(ctx, func() {
		opts := s.coord.Options()
		edit(&opts)
		s.coord.Configure(opts)
		out = s.coord.Options()
	})
	return out, err
}

// ChatterTotal returns the session's message count for username, excluded
// chatters included.
func (s *Session) ChatterTotal(ctx context.Context, username string) (int, bool, error) {
	var (
		total int
		found bool
	)
	err := s.call(ctx, func() {
		total, found = s.store.Total(username)
	})
	return total, found, err
}

// Reset clears accumulated stats while keeping the stream open.
func (s *Session) Reset() {
	s.post(func() {
		slog.Info("session: reset requested", "session", s.id)
		s.resetState()
		if s.stream != nil {
			s.coord.Start()
		}
		s.storeView()
	})
}

// Close shuts the stream down for good.
func (s *Session) Close() {
	s.post(s.shutdown)
}

// View returns the last published view.
func (s *Session) View() View {
	if v := s.view.Load(); v != nil {
		return *v
	}
	return View{}
}

func (s *Session) Inspect(ctx context.Context) (Inspection, error) {
	var out Inspection
	if err := s.call(ctx, func() {
		out = Inspection{
			View:        s.View(),
			Coordinator: s.coord.State(),
			Chatters:    s.store.Len(),
			Excluded:    s.excluded.Names(),
			Roles:       append([]core.Role(nil), s.opts.Roles...),
		}
		if top, ok := s.board.Leader(); ok {
			out.Leader = &top
		}
	}); err != nil {
		return Inspection{}, err
	}
	return out, nil
}

// Subscribe returns a channel receiving every published view, starting with
// the current one. Slow readers only ever miss intermediate views.
func (s *Session) Subscribe() (<-chan View, func()) {
	ch := make(chan View, 1)
	s.subMu.Lock()
	ch <- s.View()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, ch)
			s.subMu.Unlock()
		})
	}
}

func (s *Session) now() time.Time { return s.opts.Now() }

func (s *Session) restart(creds Credentials) {
	if s.stopped {
		return
	}
	s.stopStream()
	s.resetState()
	s.coord.SetReactor(nil)
	s.creds = creds
	s.id = ""

	if !creds.Complete() {
		slog.Info("session: credentials incomplete; idle")
		s.setStatus(Status{State: StateIdle, Message: msgIdle})
		s.storeView()
		return
	}

	client := s.opts.NewClient(creds)
	s.coord.SetReactor(client)
	s.id = uuid.NewString()
	gen := s.gen.Add(1)
	s.setStatus(Status{State: StateConnecting, Message: msgConnecting})

	stream, err := client.StreamPublicChatMessages(ailicia.StreamOptions{
		Roles:      s.opts.Roles,
		Policy:     s.opts.Policy,
		DebugDrops: s.opts.DebugDrops,
		OnMessage: func(ev core.ChatEvent) {
			s.postGen(gen, func() { s.ingest(ev) })
		},
		OnError: func(err error) {
			s.postGen(gen, func() { s.onStreamError(err) })
		},
		OnOpen: func() {
			s.postGen(gen, func() {
				slog.Info("session: stream open", "session", s.id, "channel", s.creds.Channel)
				s.setStatus(Status{State: StateConnected, Message: msgConnected})
			})
		},
		OnReconnect: func(attempt int, delay time.Duration) {
			s.opts.Metrics.IncStreamReconnects()
			s.postGen(gen, func() {
				s.setStatus(Status{State: StateConnecting, Message: reconnectMessage(attempt, delay), Attempt: attempt})
			})
		},
		OnState: func(st sse.State) {
			if st != sse.StateReconnecting {
				return
			}
			s.postGen(gen, func() {
				attempt := s.machine.status.Attempt
				s.setStatus(Status{State: StateConnecting, Message: msgReconnecting, Attempt: attempt})
			})
		},
		OnClose: func() {
			s.postGen(gen, s.onStreamClosed)
		},
		OnDrop: func(reason string) {
			s.opts.Metrics.IncFramesDropped(reason)
		},
	})
	if err != nil {
		slog.Error("session: open chat stream", "err", err)
		s.setStatus(Status{State: StateError, Message: msgGaveUp})
		s.storeView()
		return
	}
	s.stream = stream
	s.coord.Start()
	s.storeView()
	slog.Info("session: started", "session", s.id, "channel", creds.Channel, "roles", s.opts.Roles)
}

func (s *Session) stopStream() {
	if s.stream == nil {
		return
	}
	s.gen.Add(1)
	s.stream.Close()
	s.stream = nil
}

func (s *Session) resetState() {
	s.store.Reset()
	s.board.Reset()
	s.coord.Reset()
	s.seen.reset()
}

func (s *Session) shutdown() {
	if s.stopped {
		return
	}
	s.stopStream()
	s.coord.Reset()
	s.coord.SetReactor(nil)
	s.setStatus(Status{State: StateClosed, Message: msgClosed})
	s.stopped = true
	slog.Info("session: closed", "session", s.id)
}

func (s *Session) onStreamError(err error) {
	switch {
	case errors.Is(err, ailicia.ErrMalformedMessage):
		slog.Debug("session: skipped malformed frame", "err", err)
	case errors.Is(err, sse.ErrGaveUp):
		slog.Warn("session: reconnect attempts exhausted", "session", s.id)
		s.setStatus(Status{State: StateError, Message: msgGaveUp})
	default:
		slog.Warn("session: stream error", "session", s.id, "err", err)
		s.setStatus(Status{State: StateError, Message: msgError})
	}
}

// onStreamClosed handles a stream that ended without being asked to.
func (s *Session) onStreamClosed() {
	s.stream = nil
	s.gen.Add(1)
	s.coord.Reset()
	s.setStatus(Status{State: StateError, Message: msgGaveUp})
}

func (s *Session) ingest(ev core.ChatEvent) {
	now := s.now()
	var trace *ingesttrace.Trace
	if s.opts.TraceIngest {
		trace = ingesttrace.New(s.creds.Channel, ev, now)
		defer func() { trace.Log(nil, s.now()) }()
	}
	if s.seen.observe(ev.ID) {
		s.opts.Metrics.IncChatDuplicates()
		trace.Mark(ingesttrace.StageDuplicate)
		return
	}
	if !s.store.Ingest(ev, now) {
		s.opts.Metrics.IncFramesDropped("no_username")
		trace.Mark(ingesttrace.StageDropped("no_username"))
		return
	}
	s.opts.Metrics.IncChatMessages()
	trace.Mark(ingesttrace.StageCounted)
	if s.opts.Archive != nil {
		if ev.SentAt.IsZero() {
			ev.SentAt = now
		}
		if err := s.opts.Archive.ArchiveChat(ev); err != nil {
			s.opts.Metrics.IncArchiveErrors()
			trace.Mark(ingesttrace.StageDropped("archive"))
			slog.Warn("session: archive chat event", "err", err)
		} else {
			trace.Mark(ingesttrace.StageArchived)
		}
	}
	s.recompute(now)
}

func (s *Session) refresh() {
	if s.stream == nil {
		return
	}
	s.recompute(s.now())
}

// recompute publishes a new view when the ranking changed and lets the
// coordinator react to it.
func (s *Session) recompute(now time.Time) {
	entries := s.store.Snapshot(now, s.excluded)
	ranked, changed := s.board.Apply(entries)
	if !changed {
		return
	}
	s.opts.Metrics.IncLeaderboardUpdates()
	s.storeView()
	s.coord.Observe(ranked)
}

func (s *Session) onOvertake(ev core.OvertakeEvent) {
	slog.Info("session: new top chatter", "from", ev.From, "to", ev.To, "count", ev.Count)
	if s.opts.Archive == nil {
		return
	}
	if err := s.opts.Archive.ArchiveOvertake(ev); err != nil {
		s.opts.Metrics.IncArchiveErrors()
		slog.Warn("session: archive overtake", "err", err)
	}
}

func (s *Session) setStatus(next Status) {
	next.Since = s.now()
	prev := s.machine.status.State
	if !s.machine.transition(next) {
		if !allowed(prev, next.State) {
			slog.Debug("session: ignored status transition", "from", prev, "to", next.State)
		}
		return
	}
	if prev != next.State {
		s.opts.Metrics.SetConnectionState(string(next.State), stateNames()...)
		slog.Debug("session: status", "state", next.State, "message", next.Message)
	}
	s.storeView()
}

// storeView rebuilds the published view and fans it out.
func (s *Session) storeView() {
	entries := s.board.Current()
	if entries == nil {
		entries = []core.LeaderboardEntry{}
	}
	v := View{
		SessionID: s.id,
		Channel:   s.creds.Channel,
		Entries:   entries,
		TotalRate: leaderboard.TotalRate(entries),
		Status:    s.machine.status,
		UpdatedAt: s.now(),
	}
	s.view.Store(&v)

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- v:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

func stateNames() []string {
	out := make([]string, len(States))
	for i, st := range States {
		out[i] = string(st)
	}
	return out
}
