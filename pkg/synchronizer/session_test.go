package synchronizer

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexma233/Memoh/pkg/conversation"
	"github.com/alexma233/Memoh/pkg/streamproto"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type openCall struct {
	botID string
	since conversation.Cursor
}

// scriptedSource hands out one scripted connection per Open.
type scriptedSource struct {
	mu     sync.Mutex
	calls  []openCall
	script chan func() (io.ReadCloser, error)
}

func newScriptedSource() *scriptedSource {
	return &scriptedSource{script: make(chan func() (io.ReadCloser, error), 32)}
}

func (f *scriptedSource) Open(ctx context.Context, botID string, since conversation.Cursor) (io.ReadCloser, error) {
	f.mu.Lock()
	f.calls = append(f.calls, openCall{botID: botID, since: since})
	f.mu.Unlock()
	select {
	case next := <-f.script:
		return next()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *scriptedSource) opens() []openCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]openCall(nil), f.calls...)
}

func (f *scriptedSource) fail() {
	f.script <- func() (io.ReadCloser, error) {
		return nil, &TransportError{Op: "open event feed", Err: errors.New("connection refused")}
	}
}

// serve queues a connection that delivers body, then ends with readErr or
// a clean EOF when readErr is nil.
func (f *scriptedSource) serve(body string, readErr error) {
	f.script <- func() (io.ReadCloser, error) {
		var r io.Reader = strings.NewReader(body)
		if readErr != nil {
			r = io.MultiReader(r, failingReader{err: readErr})
		}
		return io.NopCloser(r), nil
	}
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func msgAt(id, botID, platform string, at time.Time) conversation.Message {
	m := conversation.NewTextMessage(conversation.RoleUser, "text "+id, platform, at)
	m.ID = id
	m.BotID = botID
	return m
}

func feed(t *testing.T, msgs ...conversation.Message) string {
	t.Helper()
	var sb strings.Builder
	enc := streamproto.NewEncoder(&sb)
	require.NoError(t, enc.WriteComment("connected"))
	for _, m := range msgs {
		require.NoError(t, enc.WriteMessageCreated(m.BotID, m))
	}
	return sb.String()
}

func newTestSession(t *testing.T, src EventSource, clock Clock) *Session {
	t.Helper()
	s, err := NewSession(Config{BotID: "b1", Source: src, Clock: clock})
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

// step waits for the session to ask for a delay, checks it, and lets it pass.
func step(t *testing.T, clock *FakeClock, want time.Duration) {
	t.Helper()
	clock.WaitForTimers(1)
	got := clock.Requested()
	require.Equal(t, want, got[len(got)-1])
	clock.Advance(want)
}

func TestBackoffSchedule(t *testing.T) {
	b := newBackoff(time.Second)
	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, b.NextBackOff())
	}
	require.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second}, got)
	b.Reset()
	require.Equal(t, time.Second, b.NextBackOff())
}

func TestSessionBacksOffAndResetsAfterRecord(t *testing.T) {
	src := newScriptedSource()
	clock := NewFakeClock(t0)
	for i := 0; i < 5; i++ {
		src.fail()
	}
	src.serve(feed(t, msgAt("m1", "b1", "telegram", t0.Add(time.Minute))), errors.New("connection reset"))
	src.fail()
	src.fail()

	s := newTestSession(t, src, clock)
	require.NoError(t, s.Start(context.Background()))

	for _, d := range []time.Duration{1, 2, 4, 5, 5} {
		step(t, clock, d*time.Second)
	}
	// The record on the sixth connection resets the schedule.
	step(t, clock, time.Second)
	clock.WaitForTimers(1)
	require.Equal(t, StateBackoff, s.State())
	step(t, clock, 2*time.Second)
	clock.WaitForTimers(1)

	opens := src.opens()
	require.Len(t, opens, 8)
	require.Equal(t, conversation.Cursor(""), opens[0].since)
	require.Equal(t, conversation.CursorAt(t0.Add(time.Minute)), opens[6].since)
	require.Len(t, s.Messages(), 1)
}

func TestSessionMergesFeedInOrderWithoutDuplicates(t *testing.T) {
	src := newScriptedSource()
	clock := NewFakeClock(t0)
	m1 := msgAt("m1", "b1", "telegram", t0.Add(1*time.Minute))
	m2 := msgAt("m2", "b1", "telegram", t0.Add(2*time.Minute))
	own := msgAt("m3", "b1", "web", t0.Add(3*time.Minute))
	foreign := msgAt("m4", "b2", "telegram", t0.Add(4*time.Minute))
	src.serve(feed(t, m2, m1, m2, own, foreign), nil)
	// The resumed connection replays m2 again.
	src.serve(feed(t, m2), nil)

	var changes int
	var mu sync.Mutex
	s, err := NewSession(Config{BotID: "b1", Source: src, Clock: clock, OnChange: func() {
		mu.Lock()
		changes++
		mu.Unlock()
	}})
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	require.NoError(t, s.Start(context.Background()))

	step(t, clock, DefaultReconnectPause)
	clock.WaitForTimers(1)

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "m1", msgs[0].ID)
	require.Equal(t, "m2", msgs[1].ID)
	// Excluded messages still move the cursor; other bots' do not.
	require.Equal(t, conversation.CursorAt(own.CreatedAt), s.Cursor())
	require.Equal(t, conversation.CursorAt(own.CreatedAt), src.opens()[1].since)
	mu.Lock()
	require.Equal(t, 2, changes)
	mu.Unlock()
}

func TestSessionCursorNeverMovesBack(t *testing.T) {
	src := newScriptedSource()
	clock := NewFakeClock(t0)
	late := msgAt("late", "b1", "telegram", t0.Add(10*time.Minute))
	early := msgAt("early", "b1", "telegram", t0.Add(5*time.Minute))
	src.serve(feed(t, late, early), nil)

	s := newTestSession(t, src, clock)
	require.NoError(t, s.Start(context.Background()))
	clock.WaitForTimers(1)

	require.Equal(t, conversation.CursorAt(late.CreatedAt), s.Cursor())
	msgs := s.Messages()
	require.Equal(t, []string{"early", "late"}, []string{msgs[0].ID, msgs[1].ID})
}

func TestSessionStopDiscardsStaleGeneration(t *testing.T) {
	src := newScriptedSource()
	s := newTestSession(t, src, NewFakeClock(t0))
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return len(src.opens()) == 1 }, time.Second, time.Millisecond)

	s.mu.Lock()
	staleGen := s.gen
	s.mu.Unlock()
	s.Stop()
	require.Equal(t, StateStopped, s.State())

	ev := streamproto.NewMessageCreated("b1", msgAt("m1", "b1", "telegram", t0))
	require.False(t, s.apply(staleGen, ev))
	require.Empty(t, s.Messages())

	// Restarting is allowed and uses a fresh generation.
	require.NoError(t, s.Start(context.Background()))
	s.mu.Lock()
	require.Greater(t, s.gen, staleGen)
	s.mu.Unlock()
}

func TestSessionSwitchResetsLog(t *testing.T) {
	src := newScriptedSource()
	clock := NewFakeClock(t0)
	src.serve(feed(t, msgAt("m1", "b1", "telegram", t0)), nil)

	s := newTestSession(t, src, clock)
	require.NoError(t, s.Start(context.Background()))
	clock.WaitForTimers(1)
	require.Len(t, s.Messages(), 1)

	require.NoError(t, s.Switch(context.Background(), "b2"))
	require.Equal(t, "b2", s.BotID())
	require.Empty(t, s.Messages())
	require.Equal(t, conversation.Cursor(""), s.Cursor())
	require.Eventually(t, func() bool {
		opens := src.opens()
		return len(opens) == 2 && opens[1].botID == "b2" && opens[1].since == ""
	}, time.Second, time.Millisecond)
}

func TestSessionMergeIgnoresOtherBots(t *testing.T) {
	s := newTestSession(t, newScriptedSource(), NewFakeClock(t0))
	added := s.Merge(
		msgAt("a", "b1", "web", t0.Add(2*time.Second)),
		msgAt("b", "b2", "web", t0),
		msgAt("a", "b1", "web", t0.Add(2*time.Second)),
		msgAt("c", "b1", "web", t0.Add(time.Second)),
	)
	require.Equal(t, 2, added)
	msgs := s.Messages()
	require.Equal(t, "c", msgs[0].ID)
	require.Equal(t, "a", msgs[1].ID)
	require.Equal(t, conversation.Cursor(""), s.Cursor())
}

func TestNewSessionValidates(t *testing.T) {
	_, err := NewSession(Config{Source: newScriptedSource()})
	require.Error(t, err)
	_, err = NewSession(Config{BotID: "b1"})
	require.Error(t, err)

	s, err := NewSession(Config{BotID: "b1", Source: newScriptedSource()})
	require.NoError(t, err)
	require.Equal(t, DefaultExcludedChannel, s.ExcludedChannel())
	require.Equal(t, StateIdle, s.State())
}
