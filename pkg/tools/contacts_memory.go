package tools

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// InMemoryContactBook is a process-local ContactBook.
type InMemoryContactBook struct {
	mu       sync.Mutex
	contacts map[string]map[string]*Contact
}

var _ ContactBook = &InMemoryContactBook{}

func NewInMemoryContactBook() *InMemoryContactBook {
	return &InMemoryContactBook{contacts: map[string]map[string]*Contact{}}
}

func (b *InMemoryContactBook) Search(_ context.Context, botID, query string) ([]Contact, error) {
	if b == nil {
		return nil, errors.New("contact book is nil")
	}
	q := strings.ToLower(strings.TrimSpace(query))
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []Contact{}
	for _, c := range b.contacts[botID] {
		if q == "" ||
			strings.Contains(strings.ToLower(c.DisplayName), q) ||
			strings.Contains(strings.ToLower(c.Alias), q) {
			out = append(out, cloneContact(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	return out, nil
}

func (b *InMemoryContactBook) Create(_ context.Context, botID string, c Contact) (Contact, error) {
	if b == nil {
		return Contact{}, errors.New("contact book is nil")
	}
	if strings.TrimSpace(c.DisplayName) == "" {
		return Contact{}, errors.New("display name is required")
	}
	c.ID = uuid.NewString()
	c.BotID = botID
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.contacts[botID] == nil {
		b.contacts[botID] = map[string]*Contact{}
	}
	stored := cloneContact(&c)
	b.contacts[botID][c.ID] = &stored
	return cloneContact(&stored), nil
}

func (b *InMemoryContactBook) Update(_ context.Context, botID, contactID string, patch ContactPatch) (Contact, error) {
	if b == nil {
		return Contact{}, errors.New("contact book is nil")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.contacts[botID][contactID]
	if !ok {
		return Contact{}, errors.Errorf("contact %s not found", contactID)
	}
	if patch.DisplayName != nil {
		c.DisplayName = *patch.DisplayName
	}
	if patch.Alias != nil {
		c.Alias = *patch.Alias
	}
	if patch.Tags != nil {
		c.Tags = append([]string(nil), patch.Tags...)
	}
	return cloneContact(c), nil
}

func (b *InMemoryContactBook) Bind(_ context.Context, botID, contactID, platform, externalID, _ string) (Contact, error) {
	if b == nil {
		return Contact{}, errors.New("contact book is nil")
	}
	if platform == "" || externalID == "" {
		return Contact{}, errors.New("platform and external_id are required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.contacts[botID][contactID]
	if !ok {
		return Contact{}, errors.Errorf("contact %s not found", contactID)
	}
	if c.Bindings == nil {
		c.Bindings = map[string]string{}
	}
	c.Bindings[platform] = externalID
	return cloneContact(c), nil
}

func cloneContact(c *Contact) Contact {
	out := *c
	out.Tags = append([]string(nil), c.Tags...)
	if c.Bindings != nil {
		out.Bindings = make(map[string]string, len(c.Bindings))
		for k, v := range c.Bindings {
			out.Bindings[k] = v
		}
	}
	return out
}
