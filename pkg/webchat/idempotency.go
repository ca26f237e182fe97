package webchat

import (
	"net/http"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/alexma233/Memoh/pkg/conversation"
)

const maxIdempotencyKeyLen = 200

var idempotencyHeaders = []string{"Idempotency-Key", "X-Idempotency-Key"}

// ResolveIdempotencyKey returns the caller's key for a submission. Headers
// win over the body field. Without one, every submission gets a fresh key
// and is never treated as a replay.
func ResolveIdempotencyKey(r *http.Request, body ChatRequestBody) (string, error) {
	key := ""
	if r != nil {
		for _, h := range idempotencyHeaders {
			if key = strings.TrimSpace(r.Header.Get(h)); key != "" {
				break
			}
		}
	}
	if key == "" {
		key = strings.TrimSpace(body.IdempotencyKey)
	}
	if key == "" {
		return uuid.NewString(), nil
	}
	if len(key) > maxIdempotencyKeyLen {
		return "", &conversation.ValidationError{Field: "idempotency_key", Reason: "idempotency key is too long"}
	}
	for _, c := range key {
		if !unicode.IsPrint(c) || unicode.IsSpace(c) {
			return "", &conversation.ValidationError{Field: "idempotency_key", Reason: "idempotency key must be printable without spaces"}
		}
	}
	return key, nil
}
