package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func validDescriptor() Descriptor {
	return Descriptor{
		ID:          "s1",
		Name:        "daily digest",
		Description: "summarize the day",
		Pattern:     "0 9 * * *",
		Command:     "send me a digest",
	}
}

func TestDescriptorValidate(t *testing.T) {
	require.NoError(t, validDescriptor().Validate())

	d := validDescriptor()
	d.Pattern = "not a cron"
	require.Error(t, d.Validate())

	d = validDescriptor()
	d.Command = " "
	require.Error(t, d.Validate())

	d = validDescriptor()
	d.MaxCalls = intPtr(0)
	require.Error(t, d.Validate())

	d = validDescriptor()
	d.Pattern = "@every 1h"
	require.NoError(t, d.Validate())
}

func TestDescriptorNext(t *testing.T) {
	d := validDescriptor()
	next, err := d.Next(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC), next)
}

func TestScheduler_MaxCallsRemovesEntry(t *testing.T) {
	var mu sync.Mutex
	var runs []string
	s, err := New(Config{
		BaseCtx: context.Background(),
		Runner: func(_ context.Context, d Descriptor) error {
			mu.Lock()
			defer mu.Unlock()
			runs = append(runs, d.ID)
			return nil
		},
	})
	require.NoError(t, err)

	d := validDescriptor()
	d.MaxCalls = intPtr(3)
	require.NoError(t, s.Register(d, 1))
	require.Len(t, s.Entries(), 1)
	require.Equal(t, 1, s.Entries()[0].Calls)

	require.True(t, s.Trigger("s1"))
	require.Len(t, s.Entries(), 1)
	require.True(t, s.Trigger("s1"))
	require.Empty(t, s.Entries())
	require.False(t, s.Trigger("s1"))

	mu.Lock()
	require.Equal(t, []string{"s1", "s1"}, runs)
	mu.Unlock()
}

func TestScheduler_RegisterReplacesAndSkipsExhausted(t *testing.T) {
	s, err := New(Config{BaseCtx: context.Background(), Runner: func(context.Context, Descriptor) error { return nil }})
	require.NoError(t, err)

	d := validDescriptor()
	d.MaxCalls = intPtr(1)
	require.NoError(t, s.Register(d, 1))
	require.Empty(t, s.Entries())

	d.MaxCalls = nil
	require.NoError(t, s.Register(d, 1))
	d.Pattern = "*/5 * * * *"
	require.NoError(t, s.Register(d, 0))
	entries := s.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "*/5 * * * *", entries[0].Descriptor.Pattern)

	require.True(t, s.Remove("s1"))
	require.False(t, s.Remove("s1"))

	_, err = New(Config{Runner: func(context.Context, Descriptor) error { return nil }})
	require.Error(t, err)
}
