package webchat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/alexma233/Memoh/pkg/conversation"
	"github.com/alexma233/Memoh/pkg/streamproto"
)

const listenerBuffer = 64

func topicForBot(botID string) string {
	return "messages:" + botID
}

// EventTransport is the pub/sub the hub runs on.
type EventTransport interface {
	Publisher() message.Publisher
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, func() error, error)
}

// EventHub publishes message_created events and fans them out to local
// listeners. Each bot topic has one transport subscription while it has at
// least one listener.
type EventHub struct {
	baseCtx   context.Context
	transport EventTransport

	mu     sync.Mutex
	feeds  map[string]*botFeed
	nextID int
}

type botFeed struct {
	cancel    context.CancelFunc
	listeners map[int]chan streamproto.MessageCreated
}

func NewEventHub(baseCtx context.Context, transport EventTransport) (*EventHub, error) {
	if baseCtx == nil {
		return nil, errors.New("event hub base context is nil")
	}
	if transport == nil {
		return nil, errors.New("event hub transport is nil")
	}
	return &EventHub{
		baseCtx:   baseCtx,
		transport: transport,
		feeds:     map[string]*botFeed{},
	}, nil
}

// Publish announces msg on its bot's topic.
func (h *EventHub) Publish(msg conversation.Message) error {
	if h == nil {
		return errors.New("event hub is nil")
	}
	botID := strings.TrimSpace(msg.BotID)
	if botID == "" {
		return errors.New("message bot_id is empty")
	}
	payload, err := json.Marshal(streamproto.NewMessageCreated(botID, msg))
	if err != nil {
		return errors.Wrap(err, "marshal message_created")
	}
	wm := message.NewMessage(watermill.NewUUID(), payload)
	wm.Metadata.Set("bot_id", botID)
	wm.Metadata.Set("message_id", msg.ID)
	if err := h.transport.Publisher().Publish(topicForBot(botID), wm); err != nil {
		return errors.Wrapf(err, "publish message_created for %s", botID)
	}
	return nil
}

// Subscribe registers a listener for botID. The returned channel is closed
// when ctx ends, the hub shuts down, the transport subscription ends, or the
// listener falls too far behind.
func (h *EventHub) Subscribe(ctx context.Context, botID string) (<-chan streamproto.MessageCreated, error) {
	if h == nil {
		return nil, errors.New("event hub is nil")
	}
	botID = strings.TrimSpace(botID)
	if botID == "" {
		return nil, errors.New("bot id is empty")
	}

	h.mu.Lock()
	feed, ok := h.feeds[botID]
	if !ok {
		feedCtx, cancel := context.WithCancel(h.baseCtx)
		msgs, closeSub, err := h.transport.Subscribe(feedCtx, topicForBot(botID))
		if err != nil {
			cancel()
			h.mu.Unlock()
			return nil, errors.Wrapf(err, "subscribe to %s", botID)
		}
		feed = &botFeed{cancel: cancel, listeners: map[int]chan streamproto.MessageCreated{}}
		h.feeds[botID] = feed
		go h.run(botID, feed, msgs, closeSub)
	}
	h.nextID++
	id := h.nextID
	ch := make(chan streamproto.MessageCreated, listenerBuffer)
	feed.listeners[id] = ch
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-h.baseCtx.Done():
		}
		h.unsubscribe(botID, feed, id)
	}()
	return ch, nil
}

func (h *EventHub) unsubscribe(botID string, feed *botFeed, id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := feed.listeners[id]
	if !ok {
		return
	}
	delete(feed.listeners, id)
	close(ch)
	if len(feed.listeners) == 0 && h.feeds[botID] == feed {
		delete(h.feeds, botID)
		feed.cancel()
	}
}

func (h *EventHub) run(botID string, feed *botFeed, msgs <-chan *message.Message, closeSub func() error) {
	lg := log.With().Str("component", "webchat").Str("bot_id", botID).Logger()
	defer func() {
		if err := closeSub(); err != nil {
			lg.Debug().Err(err).Msg("event subscriber close failed")
		}
	}()
	for m := range msgs {
		var ev streamproto.MessageCreated
		if err := json.Unmarshal(m.Payload, &ev); err != nil {
			lg.Warn().Err(err).Str("uuid", m.UUID).Msg("dropping undecodable event")
			m.Ack()
			continue
		}
		h.mu.Lock()
		for id, ch := range feed.listeners {
			select {
			case ch <- ev:
			default:
				lg.Warn().Int("listener", id).Msg("listener too slow, disconnecting")
				delete(feed.listeners, id)
				close(ch)
			}
		}
		if len(feed.listeners) == 0 && h.feeds[botID] == feed {
			delete(h.feeds, botID)
			feed.cancel()
		}
		h.mu.Unlock()
		m.Ack()
	}

	// The transport dropped the subscription. Listeners are closed so their
	// clients reconnect from their cursor onto a fresh feed.
	h.mu.Lock()
	for id, ch := range feed.listeners {
		delete(feed.listeners, id)
		close(ch)
	}
	if h.feeds[botID] == feed {
		delete(h.feeds, botID)
	}
	h.mu.Unlock()
	feed.cancel()
	lg.Debug().Msg("event feed ended")
}

// Listeners reports the number of local listeners for botID.
func (h *EventHub) Listeners(botID string) int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if f, ok := h.feeds[botID]; ok {
		return len(f.listeners)
	}
	return 0
}
