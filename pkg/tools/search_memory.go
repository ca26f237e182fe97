package tools

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/alexma233/Memoh/pkg/conversation"
	"github.com/alexma233/Memoh/pkg/memory"
)

// MemorySearcher is the slice of memory.Provider the tool needs.
type MemorySearcher interface {
	SearchSemantic(ctx context.Context, query, subject string, limit int) ([]memory.SearchHit, error)
}

type SearchMemoryInput struct {
	Query string `json:"query" jsonschema:"description=The query to search for memories,minLength=1"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum number of results,minimum=1,maximum=50"`
}

type SearchMemoryItem struct {
	ID     string  `json:"id"`
	Memory string  `json:"memory"`
	Score  float64 `json:"score"`
}

type SearchMemoryOutput struct {
	Query   string             `json:"query"`
	Total   int                `json:"total"`
	Results []SearchMemoryItem `json:"results"`
}

func NewSearchMemoryTool(s MemorySearcher) (Tool, error) {
	if s == nil {
		return Tool{}, errors.New("search_memory: searcher is nil")
	}
	return NewTool(SearchMemory, "Search for memories",
		func(ctx context.Context, identity conversation.Identity, in SearchMemoryInput) (SearchMemoryOutput, error) {
			botID := strings.TrimSpace(identity.BotID)
			if botID == "" {
				return SearchMemoryOutput{}, errors.New("botId is required to search memory")
			}
			hits, err := s.SearchSemantic(ctx, in.Query, botID, memory.ClampSearchLimit(in.Limit))
			if err != nil {
				return SearchMemoryOutput{}, errors.Wrap(err, "search memory")
			}
			items := make([]SearchMemoryItem, 0, len(hits))
			for _, h := range hits {
				items = append(items, SearchMemoryItem{ID: h.ID, Memory: h.Content, Score: h.Score})
			}
			return SearchMemoryOutput{Query: in.Query, Total: len(items), Results: items}, nil
		})
}
