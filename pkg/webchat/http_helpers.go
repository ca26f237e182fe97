package webchat

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/alexma233/Memoh/pkg/conversation"
	"github.com/alexma233/Memoh/pkg/orchestrator"
	"github.com/alexma233/Memoh/pkg/persistence/chatstore"
)

const maxBodyBytes = 4 << 20

// RequestError carries the HTTP status and client-facing message for a
// failed request.
type RequestError struct {
	Status    int
	ClientMsg string
	Err       error
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.ClientMsg + ": " + e.Err.Error()
	}
	return e.ClientMsg
}

func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func badRequest(msg string, err error) *RequestError {
	return &RequestError{Status: http.StatusBadRequest, ClientMsg: msg, Err: err}
}

// statusFor maps service errors to HTTP responses.
func statusFor(err error) (int, string) {
	var re *RequestError
	if stderrors.As(err, &re) && re != nil {
		status := re.Status
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return status, re.ClientMsg
	}
	var ve *conversation.ValidationError
	if stderrors.As(err, &ve) {
		return http.StatusBadRequest, ve.Error()
	}
	var rp *Replayed
	if stderrors.As(err, &rp) {
		return http.StatusConflict, rp.Error()
	}
	var pe *orchestrator.ProcessingError
	if stderrors.As(err, &pe) {
		return http.StatusBadGateway, pe.Message
	}
	return http.StatusInternalServerError, "internal error"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "webchat").Msg("response write failed")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, msg := statusFor(err)
	if status >= 500 {
		log.Error().Err(err).Str("component", "webchat").Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, ErrorBody{Error: msg})
}

// writeReplay answers a repeated idempotency key.
func writeReplay(w http.ResponseWriter, rp *Replayed) {
	w.Header().Set("Idempotency-Replayed", "true")
	switch rp.Response.Status {
	case chatstore.RequestCompleted:
		writeJSON(w, http.StatusOK, rp.Response)
	default:
		writeJSON(w, http.StatusConflict, rp.Response)
	}
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return badRequest("missing request body", nil)
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid JSON body", errors.Wrap(err, "decode body"))
	}
	return nil
}

func pathBotID(r *http.Request) (string, error) {
	botID := strings.TrimSpace(r.PathValue("bot"))
	if botID == "" {
		return "", badRequest("missing bot id", nil)
	}
	return botID, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	s := strings.TrimSpace(r.URL.Query().Get(name))
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, badRequest("invalid "+name, err)
	}
	return v, nil
}

func queryCursor(r *http.Request, name string) (time.Time, error) {
	c := conversation.Cursor(strings.TrimSpace(r.URL.Query().Get(name)))
	if c == "" {
		return time.Time{}, nil
	}
	t, ok := c.Time()
	if !ok {
		return time.Time{}, badRequest("invalid "+name+" cursor", nil)
	}
	return t, nil
}

func setStreamHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}
