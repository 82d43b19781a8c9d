package store

import (
    "context"
    "fmt"
    "time"

    redis "github.com/redis/go-redis/v9"
)

// DocStatus is the last known state of a document session.
type DocStatus struct {
    Title     string     `json:"title"`
    Mode      string     `json:"mode"`
    Pages     int        `json:"pages"`
    Resolved  int        `json:"resolved"`
    Playback  string     `json:"playback"`
    Page      int        `json:"page"`
    SessionID string     `json:"session_id"`
    Updated   *time.Time `json:"updated_at,omitempty"`
}

type StatusStore struct {
    client *redis.Client
}

func NewStatusStore(c *redis.Client) *StatusStore { return &StatusStore{client: c} }

func (s *StatusStore) key(docID string) string { return docKey(docID, "status") }

func (s *StatusStore) Set(ctx context.Context, docID string, st DocStatus) error {
    now := time.Now().UTC()
    m := map[string]interface{}{
        "title":      st.Title,
        "mode":       st.Mode,
        "pages":      st.Pages,
        "resolved":   st.Resolved,
        "playback":   st.Playback,
        "page":       st.Page,
        "session_id": st.SessionID,
        "updated_at": now.Format(time.RFC3339Nano),
    }
    return s.client.HSet(ctx, s.key(docID), m).Err()
}

// SetResolved updates only the resolved page count.
func (s *StatusStore) SetResolved(ctx context.Context, docID string, resolved int) error {
    return s.client.HSet(ctx, s.key(docID), "resolved", resolved, "updated_at", time.Now().UTC().Format(time.RFC3339Nano)).Err()
}

// SetPlayback updates only the playback fields.
func (s *StatusStore) SetPlayback(ctx context.Context, docID, playback string, page int) error {
    return s.client.HSet(ctx, s.key(docID), "playback", playback, "page", page, "updated_at", time.Now().UTC().Format(time.RFC3339Nano)).Err()
}

func (s *StatusStore) Get(ctx context.Context, docID string) (DocStatus, bool, error) {
    res, err := s.client.HGetAll(ctx, s.key(docID)).Result()
    if err != nil { return DocStatus{}, false, err }
    if len(res) == 0 { return DocStatus{}, false, nil }
    st := DocStatus{
        Title:     res["title"],
        Mode:      res["mode"],
        Playback:  res["playback"],
        SessionID: res["session_id"],
    }
    // ignore parse errors; default 0
    fmt.Sscan(res["pages"], &st.Pages)
    fmt.Sscan(res["resolved"], &st.Resolved)
    fmt.Sscan(res["page"], &st.Page)
    if v := res["updated_at"]; v != "" {
        if t, err := time.Parse(time.RFC3339Nano, v); err == nil { st.Updated = &t }
    }
    return st, true, nil
}
