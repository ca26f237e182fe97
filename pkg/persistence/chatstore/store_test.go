package chatstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexma233/Memoh/pkg/conversation"
)

type combinedStore interface {
	MessageStore
	RequestStore
}

func storesUnderTest(t *testing.T) map[string]combinedStore {
	t.Helper()
	dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	sqlite, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]combinedStore{
		"sqlite": sqlite,
		"memory": NewInMemoryStore(0),
	}
}

var base = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func msgAt(id, bot string, offset time.Duration, text string) conversation.Message {
	m := conversation.NewTextMessage(conversation.RoleUser, text, "telegram", base.Add(offset))
	m.ID = id
	m.BotID = bot
	return m
}

func ids(msgs []conversation.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestMessageStore_AppendAndList(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, m := range []conversation.Message{
				msgAt("m3", "b1", 3*time.Second, "third"),
				msgAt("m1", "b1", time.Second, "first"),
				msgAt("m2", "b1", 2*time.Second+500*time.Nanosecond, "second"),
				msgAt("x1", "b2", time.Second, "other bot"),
			} {
				inserted, err := s.Append(ctx, m)
				require.NoError(t, err)
				require.True(t, inserted)
			}

			inserted, err := s.Append(ctx, msgAt("m1", "b1", time.Hour, "replayed"))
			require.NoError(t, err)
			require.False(t, inserted)

			all, err := s.ListSince(ctx, "b1", time.Time{}, 0)
			require.NoError(t, err)
			require.Equal(t, []string{"m1", "m2", "m3"}, ids(all))
			require.Equal(t, "first", all[0].Text())
			require.Equal(t, base.Add(2*time.Second+500*time.Nanosecond), all[1].CreatedAt)

			since, err := s.ListSince(ctx, "b1", base.Add(2*time.Second), 10)
			require.NoError(t, err)
			require.Equal(t, []string{"m2", "m3"}, ids(since))

			older, err := s.ListBefore(ctx, "b1", base.Add(3*time.Second), 1)
			require.NoError(t, err)
			require.Equal(t, []string{"m2"}, ids(older))

			latest, err := s.ListBefore(ctx, "b1", time.Time{}, 2)
			require.NoError(t, err)
			require.Equal(t, []string{"m2", "m3"}, ids(latest))

			bots, err := s.ListBots(ctx, 10)
			require.NoError(t, err)
			require.Len(t, bots, 2)
			require.Equal(t, "b1", bots[0].BotID)
			require.Equal(t, int64(3), bots[0].MessageCount)

			_, err = s.Append(ctx, conversation.Message{ID: "bad", Role: conversation.RoleUser, CreatedAt: base})
			require.Error(t, err)
			_, err = s.ListSince(ctx, " ", time.Time{}, 0)
			require.Error(t, err)
		})
	}
}

func TestMessageStore_MetadataSurvives(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := msgAt("m1", "b1", 0, "hi")
			m.Metadata = map[string]any{"source": "test"}
			_, err := s.Append(ctx, m)
			require.NoError(t, err)
			got, err := s.ListSince(ctx, "b1", time.Time{}, 0)
			require.NoError(t, err)
			require.Equal(t, "test", got[0].Metadata["source"])
		})
	}
}

func TestRequestStore_Lifecycle(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec, created, err := s.Begin(ctx, RequestRecord{BotID: "b1", IdempotencyKey: "k1"})
			require.NoError(t, err)
			require.True(t, created)
			require.Equal(t, RequestQueued, rec.Status)

			require.NoError(t, s.Finish(ctx, "b1", "k1", RequestCompleted, `{"ok":true}`, ""))

			again, created, err := s.Begin(ctx, RequestRecord{BotID: "b1", IdempotencyKey: "k1", Status: RequestRunning})
			require.NoError(t, err)
			require.False(t, created)
			require.Equal(t, RequestCompleted, again.Status)
			require.Equal(t, `{"ok":true}`, again.Response)

			_, ok, err := s.Get(ctx, "b2", "k1")
			require.NoError(t, err)
			require.False(t, ok)

			require.Error(t, s.Finish(ctx, "b1", "missing", RequestError, "", "boom"))
			_, _, err = s.Begin(ctx, RequestRecord{BotID: "b1"})
			require.Error(t, err)
		})
	}
}

func TestInMemoryStore_EvictsOldest(t *testing.T) {
	s := NewInMemoryStore(2)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		_, err := s.Append(ctx, msgAt(id, "b1", time.Duration(i)*time.Second, id))
		require.NoError(t, err)
	}
	got, err := s.ListSince(ctx, "b1", time.Time{}, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, ids(got))
}
