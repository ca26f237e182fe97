package webchat

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/alexma233/Memoh/pkg/conversation"
	"github.com/alexma233/Memoh/pkg/persistence/chatstore"
	"github.com/alexma233/Memoh/pkg/streamproto"
)

// handleEvents serves a bot's message_created feed. Messages logged after
// the since cursor are replayed first, then live events follow. The feed
// ends with the sentinel only when the server shuts down or the listener
// falls behind; clients reconnect with their cursor.
func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	botID, err := pathBotID(req)
	if err != nil {
		writeError(w, err)
		return
	}
	since, err := queryCursor(req, "since")
	if err != nil {
		writeError(w, err)
		return
	}
	if r.hub == nil || r.svc.messages == nil {
		writeError(w, &RequestError{Status: http.StatusServiceUnavailable, ClientMsg: "event feed is not configured"})
		return
	}
	ctx := req.Context()
	lg := log.With().Str("component", "webchat").Str("bot_id", botID).Logger()

	// Subscribe before replaying so nothing published in between is lost.
	live, err := r.hub.Subscribe(ctx, botID)
	if err != nil {
		writeError(w, err)
		return
	}

	setStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	enc := streamproto.NewEncoder(w)
	if err := enc.WriteComment("connected"); err != nil {
		return
	}

	replayed := map[string]struct{}{}
	cursor := since
	for {
		page, err := r.svc.messages.ListSince(ctx, botID, cursor, chatstore.MaxPageSize)
		if err != nil {
			lg.Error().Err(err).Msg("event replay failed")
			_ = enc.Close()
			return
		}
		for _, m := range page {
			if err := enc.WriteMessageCreated(botID, m); err != nil {
				return
			}
			replayed[m.ID] = struct{}{}
			if m.CreatedAt.After(cursor) {
				cursor = m.CreatedAt
			}
		}
		if len(page) < chatstore.MaxPageSize {
			break
		}
	}
	lg.Debug().Int("replayed", len(replayed)).Str("cursor", string(conversation.CursorAt(cursor))).Msg("event replay done")

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.streamsCtx.Done():
			_ = enc.Close()
			return
		case <-ticker.C:
			if err := enc.WriteComment("ping"); err != nil {
				return
			}
		case ev, ok := <-live:
			if !ok {
				_ = enc.Close()
				return
			}
			if _, dup := replayed[ev.Message.ID]; dup {
				delete(replayed, ev.Message.ID)
				continue
			}
			if err := enc.WriteRecord(ev); err != nil {
				return
			}
		}
	}
}
