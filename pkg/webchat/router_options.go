package webchat

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// RouterOption configures optional dependencies for a Router.
type RouterOption func(*Router) error

func WithEventHub(h *EventHub) RouterOption {
	return func(r *Router) error {
		if h == nil {
			return errors.New("event hub is nil")
		}
		r.hub = h
		return nil
	}
}

func WithWebSocketUpgrader(u websocket.Upgrader) RouterOption {
	return func(r *Router) error {
		r.upgrader = u
		return nil
	}
}

// WithHeartbeatInterval sets how often idle event streams get a keepalive
// comment.
func WithHeartbeatInterval(d time.Duration) RouterOption {
	return func(r *Router) error {
		if d <= 0 {
			return errors.New("heartbeat interval must be positive")
		}
		r.heartbeat = d
		return nil
	}
}

// WithIdleTimeout sets how long a bot's websocket pool lingers without
// connections before its event subscription is released.
func WithIdleTimeout(d time.Duration) RouterOption {
	return func(r *Router) error {
		if d < 0 {
			return errors.New("idle timeout must not be negative")
		}
		r.idleTimeout = d
		return nil
	}
}
