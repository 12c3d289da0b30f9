// Package cache keeps recently tracked documents in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"doctrack/api/internal/lifecycle"
	"doctrack/api/internal/logger"
)

const DefaultTTL = 30 * time.Second

// generationTTL keeps a document's generation counter well past any read
// that could still be in flight.
const generationTTL = 24 * time.Hour

// Tracker loads a document with its history.
type Tracker interface {
	TrackDocument(ctx context.Context, fileKey string, actor lifecycle.Actor) (lifecycle.Tracking, error)
}

// TrackingCache is a read-through cache of tracking responses. Entries are
// dropped when the document changes and otherwise expire after the TTL.
// Every change also bumps a per-document generation; a read-through only
// stores its result when the generation is unchanged since the read began.
type TrackingCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *logger.Logger
}

// NewTrackingCache connects to redisURL and verifies the connection.
func NewTrackingCache(redisURL string, ttl time.Duration, log *logger.Logger) (*TrackingCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewTrackingCacheWithClient(client, ttl, log), nil
}

// NewTrackingCacheWithClient creates a cache from an existing Redis client.
func NewTrackingCacheWithClient(client *redis.Client, ttl time.Duration, log *logger.Logger) *TrackingCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &TrackingCache{
		client: client,
		prefix: "tracking:",
		ttl:    ttl,
		logger: log.With("component", "tracking_cache"),
	}
}

func (c *TrackingCache) key(fileKey string) string {
	return c.prefix + fileKey
}

func (c *TrackingCache) generationKey(fileKey string) string {
	return c.prefix + "gen:" + fileKey
}

// getter is satisfied by both *redis.Client and a watched *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// generation returns the change counter of fileKey; zero when never changed.
func (c *TrackingCache) generation(ctx context.Context, r getter, fileKey string) (int64, error) {
	gen, err := r.Get(ctx, c.generationKey(fileKey)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read generation %s: %w", fileKey, err)
	}
	return gen, nil
}

// Get returns the cached tracking for fileKey. found is false on a miss.
func (c *TrackingCache) Get(ctx context.Context, fileKey string) (tr lifecycle.Tracking, found bool, err error) {
	raw, err := c.client.Get(ctx, c.key(fileKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return lifecycle.Tracking{}, false, nil
	}
	if err != nil {
		return lifecycle.Tracking{}, false, fmt.Errorf("get tracking %s: %w", fileKey, err)
	}
	if err := json.Unmarshal(raw, &tr); err != nil {
		return lifecycle.Tracking{}, false, fmt.Errorf("unmarshal tracking %s: %w", fileKey, err)
	}
	return tr, true, nil
}

func (c *TrackingCache) Set(ctx context.Context, tr lifecycle.Tracking) error {
	raw, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("marshal tracking: %w", err)
	}
	if err := c.client.Set(ctx, c.key(tr.Document.FileKey), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("save tracking %s: %w", tr.Document.FileKey, err)
	}
	return nil
}

// setAtGeneration stores tr only while the document's generation still
// equals gen. stored is false when a change landed in between.
func (c *TrackingCache) setAtGeneration(ctx context.Context, tr lifecycle.Tracking, gen int64) (stored bool, err error) {
	raw, err := json.Marshal(tr)
	if err != nil {
		return false, fmt.Errorf("marshal tracking: %w", err)
	}
	fileKey := tr.Document.FileKey
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := c.generation(ctx, tx, fileKey)
		if err != nil {
			return err
		}
		if current != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, c.key(fileKey), raw, c.ttl)
			return nil
		})
		if err == nil {
			stored = true
		}
		return err
	}, c.generationKey(fileKey))
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("save tracking %s: %w", fileKey, err)
	}
	return stored, nil
}

// Invalidate drops the cached entry and bumps the document's generation so
// reads already in flight do not store what they loaded. A missing entry
// is not an error.
func (c *TrackingCache) Invalidate(ctx context.Context, fileKey string) error {
	genKey := c.generationKey(fileKey)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, generationTTL)
		pipe.Del(ctx, c.key(fileKey))
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate tracking %s: %w", fileKey, err)
	}
	return nil
}

// Track serves from the cache when the actor may see the cached document
// and otherwise asks next, caching what it returns unless the document
// changed meanwhile. Redis failures are logged and never fail the request.
func (c *TrackingCache) Track(ctx context.Context, next Tracker, fileKey string, actor lifecycle.Actor) (lifecycle.Tracking, error) {
	fileKey = strings.TrimSpace(fileKey)
	tr, found, err := c.Get(ctx, fileKey)
	if err != nil {
		c.logger.Warnw("tracking cache read failed", "file_key", fileKey, "error", err)
	}
	if found && (actor.IsAdmin || tr.Document.IsParty(actor.ID)) {
		return tr, nil
	}

	gen, genErr := c.generation(ctx, c.client, fileKey)
	tr, err = next.TrackDocument(ctx, fileKey, actor)
	if err != nil {
		return lifecycle.Tracking{}, err
	}
	if genErr != nil {
		c.logger.Warnw("tracking cache write skipped", "file_key", fileKey, "error", genErr)
		return tr, nil
	}
	stored, err := c.setAtGeneration(ctx, tr, gen)
	if err != nil {
		c.logger.Warnw("tracking cache write failed", "file_key", fileKey, "error", err)
	} else if !stored {
		c.logger.Debugw("tracking cache write skipped after concurrent change", "file_key", fileKey)
	}
	return tr, nil
}

// DocumentChanged drops the entry for doc so the next read sees the change.
func (c *TrackingCache) DocumentChanged(ctx context.Context, doc lifecycle.Document) {
	if err := c.Invalidate(ctx, doc.FileKey); err != nil {
		c.logger.Warnw("tracking cache invalidation failed", "file_key", doc.FileKey, "error", err)
	}
}

func (c *TrackingCache) Close() error {
	return c.client.Close()
}

func (c *TrackingCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
