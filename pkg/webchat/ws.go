package webchat

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// socketRegistry keeps one ConnectionPool per bot, fed by one hub
// subscription.
type socketRegistry struct {
	ctx         context.Context
	hub         *EventHub
	idleTimeout time.Duration

	mu    sync.Mutex
	pools map[string]*botSockets
}

type botSockets struct {
	pool   *ConnectionPool
	cancel context.CancelFunc
}

func newSocketRegistry(ctx context.Context, hub *EventHub, idleTimeout time.Duration) *socketRegistry {
	return &socketRegistry{ctx: ctx, hub: hub, idleTimeout: idleTimeout, pools: map[string]*botSockets{}}
}

func (s *socketRegistry) attach(botID string, conn *websocket.Conn) (*ConnectionPool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bs, ok := s.pools[botID]
	if !ok {
		feedCtx, cancel := context.WithCancel(s.ctx)
		events, err := s.hub.Subscribe(feedCtx, botID)
		if err != nil {
			cancel()
			return nil, err
		}
		bs = &botSockets{cancel: cancel}
		bs.pool = NewConnectionPool(botID, s.idleTimeout, func() { s.release(botID, bs) })
		s.pools[botID] = bs
		go func() {
			for ev := range events {
				b, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				bs.pool.Broadcast(b)
			}
			s.drop(botID, bs)
		}()
	}
	bs.pool.Add(conn)
	return bs.pool, nil
}

func (s *socketRegistry) release(botID string, bs *botSockets) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pools[botID] != bs || bs.pool.Count() > 0 {
		return
	}
	delete(s.pools, botID)
	bs.cancel()
	log.Debug().Str("component", "webchat").Str("bot_id", botID).Msg("ws pool idle, released")
}

// drop closes a pool whose hub feed ended; its clients reconnect to a new one.
func (s *socketRegistry) drop(botID string, bs *botSockets) {
	s.mu.Lock()
	if s.pools[botID] == bs {
		delete(s.pools, botID)
	}
	s.mu.Unlock()
	bs.pool.CloseAll()
	bs.cancel()
}

func (s *socketRegistry) closeAll() {
	s.mu.Lock()
	pools := s.pools
	s.pools = map[string]*botSockets{}
	s.mu.Unlock()
	for _, bs := range pools {
		bs.pool.CloseAll()
		bs.cancel()
	}
}

type wsControl struct {
	Type       string `json:"type"`
	BotID      string `json:"bot_id,omitempty"`
	ServerTime int64  `json:"server_time"`
}

// handleWebSocket pushes the bot's message_created events over a websocket.
// Clients may send "ping" or {"type":"ping"} and get a pong back.
func (r *Router) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	botID, err := pathBotID(req)
	if err != nil {
		writeError(w, err)
		return
	}
	if r.hub == nil {
		writeError(w, &RequestError{Status: http.StatusServiceUnavailable, ClientMsg: "event feed is not configured"})
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	pool, err := r.sockets.attach(botID, conn)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"failed to attach websocket"}`))
		_ = conn.Close()
		return
	}
	wsLog := log.With().
		Str("component", "webchat").
		Str("remote", conn.RemoteAddr().String()).
		Str("bot_id", botID).
		Logger()
	wsLog.Info().Msg("ws connected")

	if b, err := json.Marshal(wsControl{Type: "hello", BotID: botID, ServerTime: time.Now().UnixMilli()}); err == nil {
		pool.SendToOne(conn, b)
	}

	go func() {
		defer pool.Remove(conn)
		defer wsLog.Info().Msg("ws disconnected")
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				wsLog.Debug().Err(err).Msg("ws read loop end")
				return
			}
			if msgType != websocket.TextMessage || !isPing(data) {
				continue
			}
			if b, err := json.Marshal(wsControl{Type: "pong", ServerTime: time.Now().UnixMilli()}); err == nil {
				pool.SendToOne(conn, b)
			}
		}
	}()
}

func isPing(data []byte) bool {
	text := strings.TrimSpace(strings.ToLower(string(data)))
	if text == "ping" {
		return true
	}
	var v struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return false
	}
	return strings.EqualFold(v.Type, "ping")
}
