// Package store persists reading progress, resolved page text and document
// status in Redis.
package store

import (
    "context"
    "fmt"

    redis "github.com/redis/go-redis/v9"
)

// Connect parses redisURL and verifies the server answers.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
    opt, err := redis.ParseURL(redisURL)
    if err != nil { return nil, fmt.Errorf("parse redis url: %w", err) }
    c := redis.NewClient(opt)
    if err := c.Ping(ctx).Err(); err != nil {
        _ = c.Close()
        return nil, fmt.Errorf("redis ping: %w", err)
    }
    return c, nil
}

func docKey(docID, suffix string) string { return fmt.Sprintf("doc:%s:%s", docID, suffix) }
