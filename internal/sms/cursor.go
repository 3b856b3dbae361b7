package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cursor tracks how much of a long reply has been delivered for one provider
// message id. The transport re-POSTs the same id on redirect; the cursor is
// what keeps re-delivery from duplicating units.
type Cursor struct {
	Reply string `json:"reply"`
	Next  int    `json:"next"`
}

// Cursors stores redirect cursors in redis, keyed by provider message id.
type Cursors struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewCursors(rdb *redis.Client) *Cursors {
	return &Cursors{rdb: rdb, ttl: time.Hour}
}

func cursorKey(messageSID string) string {
	return "sms:cursor:" + messageSID
}

// Get returns the cursor for the message id, or nil when none exists.
func (c *Cursors) Get(ctx context.Context, messageSID string) (*Cursor, error) {
	raw, err := c.rdb.Get(ctx, cursorKey(messageSID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sms: cursor get: %w", err)
	}
	var cur Cursor
	if err := json.Unmarshal(raw, &cur); err != nil {
		return nil, fmt.Errorf("sms: cursor decode: %w", err)
	}
	return &cur, nil
}

func (c *Cursors) Put(ctx context.Context, messageSID string, cur Cursor) error {
	raw, err := json.Marshal(cur)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, cursorKey(messageSID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("sms: cursor put: %w", err)
	}
	return nil
}

func (c *Cursors) Delete(ctx context.Context, messageSID string) error {
	if err := c.rdb.Del(ctx, cursorKey(messageSID)).Err(); err != nil {
		return fmt.Errorf("sms: cursor delete: %w", err)
	}
	return nil
}
