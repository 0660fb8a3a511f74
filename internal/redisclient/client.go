package redisclient

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"retrieval-service/internal/models"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/save_snapshot.lua
var saveSnapshotScript string

const alertSnapshotKey = "alerts:snapshot"

// sequenceField renders a sequence so that string order matches numeric order
func sequenceField(seq int64) string {
	return fmt.Sprintf("%020d", seq)
}

type Client struct {
	rdb          *redis.Client
	snapshotSave *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:          rdb,
		snapshotSave: redis.NewScript(saveSnapshotScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// SaveAlertSnapshot stores snap unless a snapshot with an equal or higher
// sequence is already cached. Returns true if snap was written.
func (c *Client) SaveAlertSnapshot(ctx context.Context, snap *models.AlertSnapshot, ttl time.Duration) (bool, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return false, fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	result, err := c.snapshotSave.Run(ctx, c.rdb, []string{alertSnapshotKey},
		sequenceField(snap.Sequence), payload, int64(ttl.Seconds())).Result()
	if err != nil {
		return false, fmt.Errorf("save snapshot script failed: %w", err)
	}

	written, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type")
	}

	return written == 1, nil
}

// LoadAlertSnapshot returns the cached snapshot, or nil when none is cached
func (c *Client) LoadAlertSnapshot(ctx context.Context) (*models.AlertSnapshot, error) {
	payload, err := c.rdb.HGet(ctx, alertSnapshotKey, "payload").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snap models.AlertSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}
