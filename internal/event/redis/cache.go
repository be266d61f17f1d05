package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"ms-admission/internal/logger"
	"ms-admission/internal/models"
)

const keyPrefix = "event:detail:"

// Cache holds event detail only. Capacity decisions never read from it.
type Cache struct {
	Client *redis.Client
	TTL    time.Duration
	Logger *logger.Logger
}

func NewCache(client *redis.Client, ttl time.Duration, log *logger.Logger) *Cache {
	return &Cache{Client: client, TTL: ttl, Logger: log}
}

func key(eventID int64) string {
	return keyPrefix + strconv.FormatInt(eventID, 10)
}

// Get reports a miss as nil, nil.
func (c *Cache) Get(ctx context.Context, eventID int64) (*models.Event, error) {
	raw, err := c.Client.Get(ctx, key(eventID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key(eventID), err)
	}

	var event models.Event
	if err := json.Unmarshal(raw, &event); err != nil {
		// Unreadable entries are dropped and treated as a miss.
		c.Client.Del(ctx, key(eventID))
		return nil, nil
	}
	return &event, nil
}

func (c *Cache) Set(ctx context.Context, event *models.Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := c.Client.Set(ctx, key(event.ID), raw, c.TTL).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key(event.ID), err)
	}
	return nil
}

func (c *Cache) Invalidate(ctx context.Context, eventID int64) error {
	if err := c.Client.Del(ctx, key(eventID)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key(eventID), err)
	}
	c.Logger.Debug("REDIS", fmt.Sprintf("Invalidated %s", key(eventID)))
	return nil
}
