package conversation

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"eduassist/internal/models"
	"eduassist/internal/redis"
)

const (
	cacheTTL          = 30 * time.Minute
	invalidateChannel = "conversation:invalidate"
)

// cacheBackend is the slice of the redis wrapper the cache uses.
type cacheBackend interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) <-chan string
}

// stateCache is a write-through cache of conversation rows plus an
// invalidation channel so other instances can drop stale state. Cache
// failures are logged and otherwise ignored; the database stays the source
// of truth.
type stateCache struct {
	backend cacheBackend
}

func newStateCache(client *redis.Client) *stateCache {
	if client == nil {
		return &stateCache{}
	}
	return &stateCache{backend: client}
}

func cacheKey(id string) string {
	return "conversation:state:" + id
}

func (c *stateCache) loadConversation(id string) *models.Conversation {
	if c == nil || c.backend == nil || id == "" {
		return nil
	}
	raw, err := c.backend.Get(context.Background(), cacheKey(id))
	if err != nil {
		if err != redis.ErrCacheMiss {
			log.Printf("conversation cache read failed: %v", err)
		}
		return nil
	}
	var conv models.Conversation
	if err := json.Unmarshal([]byte(raw), &conv); err != nil {
		log.Printf("conversation cache decode failed: %v", err)
		return nil
	}
	return &conv
}

func (c *stateCache) storeConversation(conv *models.Conversation) {
	if c == nil || c.backend == nil || conv == nil || conv.ID == "" {
		return
	}
	data, err := json.Marshal(conv)
	if err != nil {
		log.Printf("conversation cache marshal failed: %v", err)
		return
	}
	if err := c.backend.Set(context.Background(), cacheKey(conv.ID), data, cacheTTL); err != nil {
		log.Printf("conversation cache write failed: %v", err)
		// The previous entry must not keep serving reads once the row has
		// moved on; degrade a failed write to a cache miss.
		if derr := c.backend.Del(context.Background(), cacheKey(conv.ID)); derr != nil {
			log.Printf("conversation cache drop failed: %v", derr)
		}
	}
}

func (c *stateCache) invalidate(id string) {
	if c == nil || c.backend == nil || id == "" {
		return
	}
	if err := c.backend.Del(context.Background(), cacheKey(id)); err != nil {
		log.Printf("conversation cache invalidate failed: %v", err)
	}
}

func (c *stateCache) publishInvalidation(id string) {
	if c == nil || c.backend == nil || id == "" {
		return
	}
	if err := c.backend.Publish(context.Background(), invalidateChannel, id); err != nil {
		log.Printf("conversation publish invalidation failed: %v", err)
	}
}

func (c *stateCache) startListener(handler func(conversationID string)) {
	if c == nil || c.backend == nil || handler == nil {
		return
	}
	ch := c.backend.Subscribe(context.Background(), invalidateChannel)
	if ch == nil {
		return
	}
	go func() {
		for id := range ch {
			handler(id)
		}
	}()
}
