package store

import (
    "context"
    "fmt"
    "strings"

    redis "github.com/redis/go-redis/v9"
)

type PageStore struct {
    client *redis.Client
}

func NewPageStore(c *redis.Client) *PageStore { return &PageStore{client: c} }

func (s *PageStore) pageKey(docID string, page int) string {
    return docKey(docID, fmt.Sprintf("page:%d", page))
}

func (s *PageStore) SavePageText(ctx context.Context, docID string, page int, text, source string) error {
    m := map[string]interface{}{"text": text, "source": source}
    return s.client.HSet(ctx, s.pageKey(docID, page), m).Err()
}

// GetPageText returns the stored text; ok is false when the page was never saved.
func (s *PageStore) GetPageText(ctx context.Context, docID string, page int) (string, bool, error) {
    res, err := s.client.HGet(ctx, s.pageKey(docID, page), "text").Result()
    if err == redis.Nil { return "", false, nil }
    if err != nil { return "", false, err }
    return res, true, nil
}

// GetPageTextWithSource returns both text and source for a page
func (s *PageStore) GetPageTextWithSource(ctx context.Context, docID string, page int) (string, string, error) {
    res, err := s.client.HGetAll(ctx, s.pageKey(docID, page)).Result()
    if err != nil { return "", "", err }
    if len(res) == 0 { return "", "", nil }
    return res["text"], res["source"], nil
}

// AggregateText joins the non-empty stored pages 1..total with blank lines.
func (s *PageStore) AggregateText(ctx context.Context, docID string, total int) (string, error) {
    var b strings.Builder
    for i := 1; i <= total; i++ {
        t, _, err := s.GetPageText(ctx, docID, i)
        if err != nil { return b.String(), err }
        if t == "" { continue }
        if b.Len() > 0 { b.WriteString("\n\n") }
        b.WriteString(t)
    }
    return b.String(), nil
}

// For binds the store to one document.
func (s *PageStore) For(docID string) *DocPages { return &DocPages{store: s, docID: docID} }

// DocPages is a PageStore bound to one document.
type DocPages struct {
    store *PageStore
    docID string
}

func (d *DocPages) SavePageText(ctx context.Context, page int, text, source string) error {
    return d.store.SavePageText(ctx, d.docID, page, text, source)
}

func (d *DocPages) GetPageText(ctx context.Context, page int) (string, bool, error) {
    return d.store.GetPageText(ctx, d.docID, page)
}
