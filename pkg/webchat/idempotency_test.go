package webchat

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alexma233/Memoh/pkg/conversation"
)

func TestResolveIdempotencyKey(t *testing.T) {
	req := httptest.NewRequest("POST", "/chat", nil)
	req.Header.Set("X-Idempotency-Key", "from-x")
	key, err := ResolveIdempotencyKey(req, ChatRequestBody{IdempotencyKey: "from-body"})
	require.NoError(t, err)
	require.Equal(t, "from-x", key)

	req.Header.Set("Idempotency-Key", " primary ")
	key, err = ResolveIdempotencyKey(req, ChatRequestBody{})
	require.NoError(t, err)
	require.Equal(t, "primary", key)

	key, err = ResolveIdempotencyKey(nil, ChatRequestBody{IdempotencyKey: "from-body"})
	require.NoError(t, err)
	require.Equal(t, "from-body", key)

	a, err := ResolveIdempotencyKey(nil, ChatRequestBody{})
	require.NoError(t, err)
	b, err := ResolveIdempotencyKey(nil, ChatRequestBody{})
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	var ve *conversation.ValidationError
	_, err = ResolveIdempotencyKey(nil, ChatRequestBody{IdempotencyKey: strings.Repeat("k", maxIdempotencyKeyLen+1)})
	require.True(t, errors.As(err, &ve))
	_, err = ResolveIdempotencyKey(nil, ChatRequestBody{IdempotencyKey: "two words"})
	require.True(t, errors.As(err, &ve))
}
