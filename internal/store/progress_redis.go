package store

import (
    "context"
    "strconv"
    "time"

    redis "github.com/redis/go-redis/v9"
)

// Position is a saved reading position.
type Position struct {
    Page      int       `json:"page"`
    UpdatedAt time.Time `json:"updated_at"`
}

type ProgressStore struct {
    client *redis.Client
    now    func() time.Time
}

func NewProgressStore(c *redis.Client) *ProgressStore {
    return &ProgressStore{client: c, now: time.Now}
}

func (s *ProgressStore) key(docID string) string { return docKey(docID, "progress") }

func (s *ProgressStore) SavePosition(ctx context.Context, docID string, page int) error {
    return s.client.HSet(ctx, s.key(docID), map[string]interface{}{
        "page":       page,
        "updated_at": s.now().UTC().Format(time.RFC3339Nano),
    }).Err()
}

// LoadPosition returns the saved position; ok is false when none exists.
func (s *ProgressStore) LoadPosition(ctx context.Context, docID string) (Position, bool, error) {
    res, err := s.client.HGetAll(ctx, s.key(docID)).Result()
    if err != nil { return Position{}, false, err }
    if len(res) == 0 { return Position{}, false, nil }
    p, err := strconv.Atoi(res["page"])
    if err != nil || p < 1 { return Position{}, false, nil }
    pos := Position{Page: p}
    if t, err := time.Parse(time.RFC3339Nano, res["updated_at"]); err == nil { pos.UpdatedAt = t }
    return pos, true, nil
}

// For binds the store to one document.
func (s *ProgressStore) For(docID string) *DocProgress { return &DocProgress{store: s, docID: docID} }

// DocProgress is a ProgressStore bound to one document.
type DocProgress struct {
    store *ProgressStore
    docID string
}

func (d *DocProgress) SavePosition(ctx context.Context, page int) error {
    return d.store.SavePosition(ctx, d.docID, page)
}

func (d *DocProgress) LoadPosition(ctx context.Context) (Position, bool, error) {
    return d.store.LoadPosition(ctx, d.docID)
}
