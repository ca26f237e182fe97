package orchestrator

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/weaviate/tiktoken-go"
)

// TokenCounter estimates prompt size.
type TokenCounter interface {
	Count(text string) int
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func NewTiktokenCounter(encoding string) (TokenCounter, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, errors.Wrapf(err, "load tiktoken encoding %s", encoding)
	}
	return &tiktokenCounter{enc: enc}, nil
}

func (c *tiktokenCounter) Count(text string) int {
	if c == nil || c.enc == nil {
		return ApproxCounter{}.Count(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// ApproxCounter assumes roughly four tokens per three words.
type ApproxCounter struct{}

func (ApproxCounter) Count(text string) int {
	n := len(strings.Fields(text))
	return (n*4 + 2) / 3
}
