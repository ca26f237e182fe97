package redisstream

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestSettingsValidate(t *testing.T) {
	require.NoError(t, Settings{}.Validate())
	s := DefaultSettings()
	s.Enabled = true
	require.NoError(t, s.Validate())
	s.Group = ""
	require.Error(t, s.Validate())
}

func TestLocalTransportDeliversToEverySubscriber(t *testing.T) {
	tr, err := Build(Settings{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	require.False(t, tr.RedisEnabled())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, closeA, err := tr.Subscribe(ctx, "messages:b1")
	require.NoError(t, err)
	defer func() { _ = closeA() }()
	b, closeB, err := tr.Subscribe(ctx, "messages:b1")
	require.NoError(t, err)
	defer func() { _ = closeB() }()

	require.NoError(t, tr.Publisher().Publish("messages:b1", message.NewMessage(watermill.NewUUID(), []byte(`{"n":1}`))))

	for _, ch := range []<-chan *message.Message{a, b} {
		select {
		case m := <-ch:
			require.Equal(t, `{"n":1}`, string(m.Payload))
			m.Ack()
		case <-time.After(2 * time.Second):
			t.Fatal("message not delivered")
		}
	}

	_, _, err = tr.Subscribe(ctx, " ")
	require.Error(t, err)
}

func TestWatermillLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWatermillLogger(zerolog.New(&buf)).With(watermill.LogFields{"topic": "t1"})
	l.Error("publish failed", errors.New("boom"), watermill.LogFields{"attempt": 2})
	out := buf.String()
	require.Contains(t, out, `"topic":"t1"`)
	require.Contains(t, out, `"attempt":2`)
	require.Contains(t, out, `"error":"boom"`)
	require.Contains(t, out, `"message":"publish failed"`)
}
