package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/pkg/errors"

	"github.com/alexma233/Memoh/pkg/conversation"
)

const (
	fieldSubject = "subject"
	fieldContent = "content"
	fieldRole    = "role"
)

// BleveIndex is an in-process full-text recall index. Each message with text
// becomes one document keyed by message id.
type BleveIndex struct {
	mu  sync.RWMutex
	idx bleve.Index
}

var _ Index = &BleveIndex{}

func NewBleveIndex() (*BleveIndex, error) {
	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt(fieldSubject, bleve.NewKeywordFieldMapping())
	doc.AddFieldMappingsAt(fieldRole, bleve.NewKeywordFieldMapping())
	content := bleve.NewTextFieldMapping()
	content.Store = true
	doc.AddFieldMappingsAt(fieldContent, content)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc

	idx, err := bleve.NewMemOnly(im)
	if err != nil {
		return nil, errors.Wrap(err, "bleve memory index: create")
	}
	return &BleveIndex{idx: idx}, nil
}

func (b *BleveIndex) Close() error {
	if b == nil || b.idx == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.idx.Close()
}

func (b *BleveIndex) Index(_ context.Context, unit conversation.MemoryUnit) error {
	if b == nil || b.idx == nil {
		return errors.New("bleve memory index: not initialized")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := b.idx.NewBatch()
	for _, m := range unit.Messages {
		if m.Role == conversation.RoleTool {
			continue
		}
		text := m.Text()
		if text == "" || strings.TrimSpace(m.ID) == "" {
			continue
		}
		if err := batch.Index(m.ID, map[string]any{
			fieldSubject: unit.Subject,
			fieldRole:    string(m.Role),
			fieldContent: text,
		}); err != nil {
			return errors.Wrapf(err, "bleve memory index: index %s", m.ID)
		}
	}
	if batch.Size() == 0 {
		return nil
	}
	return errors.Wrap(b.idx.Batch(batch), "bleve memory index: batch")
}

func (b *BleveIndex) Search(ctx context.Context, query, subject string, limit int) ([]SearchHit, error) {
	if b == nil || b.idx == nil {
		return nil, errors.New("bleve memory index: not initialized")
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return []SearchHit{}, nil
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	mq := bleve.NewMatchQuery(query)
	mq.SetField(fieldContent)
	tq := bleve.NewTermQuery(subject)
	tq.SetField(fieldSubject)

	req := bleve.NewSearchRequestOptions(bleve.NewConjunctionQuery(mq, tq), limit, 0, false)
	req.Fields = []string{fieldContent}

	b.mu.RLock()
	res, err := b.idx.SearchInContext(ctx, req)
	b.mu.RUnlock()
	if err != nil {
		return nil, errors.Wrap(err, "bleve memory index: search")
	}
	out := make([]SearchHit, 0, len(res.Hits))
	for _, hit := range res.Hits {
		content, _ := hit.Fields[fieldContent].(string)
		out = append(out, SearchHit{ID: hit.ID, Content: content, Score: hit.Score})
	}
	return out, nil
}
