package synchronizer

import (
	"context"
	stderrors "errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/alexma233/Memoh/pkg/conversation"
	"github.com/alexma233/Memoh/pkg/streamproto"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

const (
	DefaultExcludedChannel = "web"
	DefaultHistoryPageSize = 30
)

type Config struct {
	BotID   string
	Source  EventSource
	History HistoryFetcher
	// ExcludedChannel names the channel whose messages arrive through the
	// turn response instead of the feed. Defaults to "web".
	ExcludedChannel string
	// Since resumes from a previously saved cursor.
	Since          conversation.Cursor
	Clock          Clock
	BackoffUnit    time.Duration
	ReconnectPause time.Duration
	// OnChange runs after the local log changes, outside the session lock.
	// It must not call Stop or Switch.
	OnChange func()
}

// Session keeps a local, ordered, deduplicated copy of one bot's
// conversation in sync with the server's event feed.
type Session struct {
	source   EventSource
	history  HistoryFetcher
	excluded string
	clock    Clock
	unit     time.Duration
	pause    time.Duration
	onChange func()

	mu      sync.Mutex
	botID   string
	state   State
	gen     uint64
	cancel  context.CancelFunc
	done    chan struct{}
	cursor  conversation.Cursor
	log     []conversation.Message
	ids     map[string]struct{}
	hasMore bool
}

func NewSession(cfg Config) (*Session, error) {
	botID := strings.TrimSpace(cfg.BotID)
	if botID == "" {
		return nil, errors.New("session bot id is empty")
	}
	if cfg.Source == nil {
		return nil, errors.New("session event source is nil")
	}
	s := &Session{
		source:   cfg.Source,
		history:  cfg.History,
		excluded: strings.TrimSpace(cfg.ExcludedChannel),
		clock:    cfg.Clock,
		unit:     cfg.BackoffUnit,
		pause:    cfg.ReconnectPause,
		onChange: cfg.OnChange,
		botID:    botID,
		cursor:   cfg.Since,
		ids:      map[string]struct{}{},
		hasMore:  true,
	}
	if s.excluded == "" {
		s.excluded = DefaultExcludedChannel
	}
	if s.clock == nil {
		s.clock = RealClock()
	}
	if s.unit <= 0 {
		s.unit = DefaultBackoffUnit
	}
	if s.pause <= 0 {
		s.pause = DefaultReconnectPause
	}
	return s, nil
}

func (s *Session) BotID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.botID
}

func (s *Session) ExcludedChannel() string { return s.excluded }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Cursor() conversation.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Messages returns a copy of the local log, ascending by created_at.
func (s *Session) Messages() []conversation.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]conversation.Message(nil), s.log...)
}

// Start opens the feed in the background. It is a no-op while a loop is
// already running.
func (s *Session) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("session is nil")
	}
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	s.gen++
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.state = StateConnecting
	go s.run(runCtx, s.gen, s.botID, done)
	return nil
}

// Stop cancels the connection and waits for the read loop to exit. Any
// event still in flight from the old loop is discarded.
func (s *Session) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.gen++
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.state = StateStopped
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Switch stops the current feed, clears the local log and starts following
// botID from the beginning.
func (s *Session) Switch(ctx context.Context, botID string) error {
	if s == nil {
		return errors.New("session is nil")
	}
	botID = strings.TrimSpace(botID)
	if botID == "" {
		return errors.New("session bot id is empty")
	}
	s.Stop()
	s.mu.Lock()
	s.botID = botID
	s.cursor = ""
	s.log = nil
	s.ids = map[string]struct{}{}
	s.hasMore = true
	s.mu.Unlock()
	s.notify()
	return s.Start(ctx)
}

func (s *Session) notify() {
	if s.onChange != nil {
		s.onChange()
	}
}

// setState applies st if gen is still current.
func (s *Session) setState(gen uint64, st State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return false
	}
	s.state = st
	return true
}

func (s *Session) run(ctx context.Context, gen uint64, botID string, done chan struct{}) {
	defer close(done)
	lg := log.With().Str("component", "synchronizer").Str("bot_id", botID).Logger()
	bo := newBackoff(s.unit)
	for {
		if !s.setState(gen, StateConnecting) {
			return
		}
		err := s.connect(ctx, gen, botID, bo, lg)
		if ctx.Err() != nil {
			return
		}
		wait := s.pause
		if err != nil {
			wait = bo.NextBackOff()
			if !s.setState(gen, StateBackoff) {
				return
			}
			ev := lg.Warn()
			var te *TransportError
			if stderrors.As(err, &te) && !te.Retryable() {
				ev = lg.Error()
			}
			ev.Err(err).Dur("retry_in", wait).Msg("event feed failed")
		} else {
			lg.Debug().Dur("retry_in", wait).Msg("event feed ended")
		}
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(wait):
		}
	}
}

// connect runs one connection until the server closes it or it fails.
func (s *Session) connect(ctx context.Context, gen uint64, botID string, bo *backoff.ExponentialBackOff, lg zerolog.Logger) error {
	rc, err := s.source.Open(ctx, botID, s.Cursor())
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	first := true
	for payload, err := range streamproto.NewDecoder(rc).Records() {
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &TransportError{Op: "read event feed", Err: err}
		}
		if first {
			first = false
			if !s.setState(gen, StateStreaming) {
				return nil
			}
		}
		bo.Reset()
		ev, ok := streamproto.DecodeMessageCreated(streamproto.ParsePayload(payload))
		if !ok {
			lg.Debug().Str("payload", payload).Msg("ignoring record")
			continue
		}
		if s.apply(gen, ev) {
			s.notify()
		}
	}
	return nil
}

// apply merges one feed event into the log and reports whether the log
// changed. Events from a superseded generation or another bot are dropped.
func (s *Session) apply(gen uint64, ev streamproto.MessageCreated) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return false
	}
	msg := ev.Message
	if ev.BotID != "" && ev.BotID != s.botID {
		return false
	}
	if msg.BotID != "" && msg.BotID != s.botID {
		return false
	}
	s.cursor = s.cursor.Advance(msg.CreatedAt)
	if strings.EqualFold(strings.TrimSpace(msg.Platform), s.excluded) {
		return false
	}
	return s.insertLocked(msg)
}

func (s *Session) insertLocked(msg conversation.Message) bool {
	if msg.ID == "" {
		return false
	}
	if _, dup := s.ids[msg.ID]; dup {
		return false
	}
	i := sort.Search(len(s.log), func(i int) bool { return s.log[i].CreatedAt.After(msg.CreatedAt) })
	s.log = append(s.log, conversation.Message{})
	copy(s.log[i+1:], s.log[i:])
	s.log[i] = msg
	s.ids[msg.ID] = struct{}{}
	return true
}

// Merge inserts messages obtained outside the feed, such as a turn response
// or a history page. The cursor is left alone so the feed still replays
// anything between the last event and these messages.
func (s *Session) Merge(msgs ...conversation.Message) int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	added := 0
	for _, m := range msgs {
		if m.BotID != "" && m.BotID != s.botID {
			continue
		}
		if s.insertLocked(m) {
			added++
		}
	}
	s.mu.Unlock()
	if added > 0 {
		s.notify()
	}
	return added
}

// LoadOlder fetches the page of messages preceding the oldest one held
// locally. It returns how many were added and whether more remain.
func (s *Session) LoadOlder(ctx context.Context, limit int) (int, bool, error) {
	if s == nil {
		return 0, false, errors.New("session is nil")
	}
	if s.history == nil {
		return 0, false, errors.New("session has no history fetcher")
	}
	if limit <= 0 {
		limit = DefaultHistoryPageSize
	}
	s.mu.Lock()
	botID := s.botID
	var before time.Time
	if len(s.log) > 0 {
		before = s.log[0].CreatedAt
	}
	s.mu.Unlock()

	page, err := s.history.FetchBefore(ctx, botID, before, limit)
	if err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	if s.botID != botID {
		s.mu.Unlock()
		return 0, false, nil
	}
	s.hasMore = page.HasMore
	s.mu.Unlock()
	return s.Merge(page.Messages...), page.HasMore, nil
}

// HasMore reports whether the last LoadOlder saw more history.
func (s *Session) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}
