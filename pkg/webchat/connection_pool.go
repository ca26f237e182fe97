package webchat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const wsWriteTimeout = 10 * time.Second

// wsConn is the part of *websocket.Conn the pool writes through.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ConnectionPool holds the websocket connections watching one bot. Writes go
// through the pool so each connection has a single writer. When the last
// connection leaves, onIdle runs after idleTimeout unless a new one arrives.
type ConnectionPool struct {
	botID       string
	mu          sync.Mutex
	conns       map[wsConn]struct{}
	idleTimer   *time.Timer
	idleTimeout time.Duration
	onIdle      func()
}

func NewConnectionPool(botID string, idleTimeout time.Duration, onIdle func()) *ConnectionPool {
	return &ConnectionPool{
		botID:       botID,
		conns:       map[wsConn]struct{}{},
		idleTimeout: idleTimeout,
		onIdle:      onIdle,
	}
}

func (cp *ConnectionPool) Add(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	cp.conns[conn] = struct{}{}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) Remove(conn wsConn) {
	if conn == nil {
		return
	}
	if cp != nil {
		cp.mu.Lock()
		delete(cp.conns, conn)
		cp.scheduleIdleTimerLocked()
		cp.mu.Unlock()
	}
	_ = conn.Close()
}

// Broadcast writes data to every connection and drops the ones that fail.
// It returns the number of connections written to.
func (cp *ConnectionPool) Broadcast(data []byte) int {
	if cp == nil || len(data) == 0 {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	sent := 0
	for conn := range cp.conns {
		if cp.writeLocked(conn, data) {
			sent++
		}
	}
	cp.scheduleIdleTimerLocked()
	return sent
}

func (cp *ConnectionPool) SendToOne(conn wsConn, data []byte) bool {
	if cp == nil || conn == nil || len(data) == 0 {
		return false
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, ok := cp.conns[conn]; !ok {
		return false
	}
	return cp.writeLocked(conn, data)
}

func (cp *ConnectionPool) writeLocked(conn wsConn, data []byte) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Warn().Err(err).Str("component", "webchat").Str("bot_id", cp.botID).Msg("ws write failed, dropping connection")
		delete(cp.conns, conn)
		_ = conn.Close()
		return false
	}
	return true
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

// CloseAll sends a close frame to every connection and empties the pool.
func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	for conn := range cp.conns {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		_ = conn.Close()
		delete(cp.conns, conn)
	}
	cp.stopIdleTimerLocked()
}

func (cp *ConnectionPool) stopIdleTimerLocked() {
	if cp.idleTimer != nil {
		cp.idleTimer.Stop()
		cp.idleTimer = nil
	}
}

func (cp *ConnectionPool) scheduleIdleTimerLocked() {
	cp.stopIdleTimerLocked()
	if len(cp.conns) != 0 || cp.onIdle == nil {
		return
	}
	if cp.idleTimeout <= 0 {
		go cp.triggerIdle()
		return
	}
	cp.idleTimer = time.AfterFunc(cp.idleTimeout, cp.triggerIdle)
}

func (cp *ConnectionPool) triggerIdle() {
	var callback func()
	cp.mu.Lock()
	if len(cp.conns) == 0 {
		callback = cp.onIdle
	}
	cp.idleTimer = nil
	cp.mu.Unlock()
	if callback != nil {
		callback()
	}
}
