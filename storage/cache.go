package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tasklist-api/domain"
)

const defaultCachePrefix = "tasks"

type backend interface {
	List(ctx context.Context) ([]domain.Task, error)
	Get(ctx context.Context, id int64) (domain.Task, error)
	Create(ctx context.Context, in domain.TaskInput) (domain.Task, error)
	Update(ctx context.Context, id int64, in domain.TaskInput) (domain.Task, error)
	Delete(ctx context.Context, id int64) error
	Reorder(ctx context.Context, id int64, newOrder int) error
	MoveUp(ctx context.Context, id int64) error
	MoveDown(ctx context.Context, id int64) error
	SumCosts(ctx context.Context) (float64, error)
	NameExists(ctx context.Context, name string, excludingID int64) (bool, error)
	Ping(ctx context.Context) error
}

// Cache wraps a Store with Redis-backed caching for the list and cost sum.
// Cached values are keyed by a generation counter that every successful
// mutation increments, so a read racing a write can only fill a generation
// nobody reads anymore.
type Cache struct {
	base   backend
	redis  *redis.Client
	ttl    time.Duration
	prefix string
	log    *log.Logger
}

// NewCache creates a caching wrapper. A nil client disables caching.
func NewCache(base backend, client *redis.Client, ttl time.Duration, prefix string, logger *log.Logger) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	if prefix == "" {
		prefix = defaultCachePrefix
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Cache{base: base, redis: client, ttl: ttl, prefix: prefix, log: logger}
}

func (c *Cache) List(ctx context.Context) ([]domain.Task, error) {
	gen, ok := c.generation(ctx)
	if ok {
		var tasks []domain.Task
		if c.load(ctx, c.listKey(gen), &tasks) {
			return tasks, nil
		}
	}
	tasks, err := c.base.List(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		c.store(ctx, c.listKey(gen), tasks)
	}
	return tasks, nil
}

func (c *Cache) SumCosts(ctx context.Context) (float64, error) {
	gen, ok := c.generation(ctx)
	if ok {
		var total float64
		if c.load(ctx, c.sumKey(gen), &total) {
			return total, nil
		}
	}
	total, err := c.base.SumCosts(ctx)
	if err != nil {
		return 0, err
	}
	if ok {
		c.store(ctx, c.sumKey(gen), total)
	}
	return total, nil
}

func (c *Cache) Get(ctx context.Context, id int64) (domain.Task, error) {
	return c.base.Get(ctx, id)
}

func (c *Cache) NameExists(ctx context.Context, name string, excludingID int64) (bool, error) {
	return c.base.NameExists(ctx, name, excludingID)
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.base.Ping(ctx)
}

func (c *Cache) Create(ctx context.Context, in domain.TaskInput) (domain.Task, error) {
	task, err := c.base.Create(ctx, in)
	if err != nil {
		return domain.Task{}, err
	}
	c.invalidate(ctx)
	return task, nil
}

func (c *Cache) Update(ctx context.Context, id int64, in domain.TaskInput) (domain.Task, error) {
	task, err := c.base.Update(ctx, id, in)
	if err != nil {
		return domain.Task{}, err
	}
	c.invalidate(ctx)
	return task, nil
}

func (c *Cache) Delete(ctx context.Context, id int64) error {
	return c.after(ctx, c.base.Delete(ctx, id))
}

// Reorder keeps the generation when the task already sits at newOrder.
func (c *Cache) Reorder(ctx context.Context, id int64, newOrder int) error {
	if task, err := c.base.Get(ctx, id); err == nil && task.Order == newOrder {
		return c.base.Reorder(ctx, id, newOrder)
	}
	return c.after(ctx, c.base.Reorder(ctx, id, newOrder))
}

func (c *Cache) MoveUp(ctx context.Context, id int64) error {
	return c.after(ctx, c.base.MoveUp(ctx, id))
}

func (c *Cache) MoveDown(ctx context.Context, id int64) error {
	return c.after(ctx, c.base.MoveDown(ctx, id))
}

func (c *Cache) after(ctx context.Context, err error) error {
	if err != nil {
		return err
	}
	c.invalidate(ctx)
	return nil
}

// generation returns the current cache generation. ok is false when caching
// is disabled or Redis is unavailable.
func (c *Cache) generation(ctx context.Context) (int64, bool) {
	if c.redis == nil || c.ttl == 0 {
		return 0, false
	}
	gen, err := c.redis.Get(ctx, c.genKey()).Int64()
	if err == redis.Nil {
		return 0, true
	}
	if err != nil {
		c.log.WithError(err).Warn("cache generation lookup failed")
		return 0, false
	}
	return gen, true
}

func (c *Cache) load(ctx context.Context, key string, dst any) bool {
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		// On redis errors fall back to the backing storage without failing.
		return false
	}
	if err := sonic.Unmarshal(data, dst); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return false
	}
	return true
}

func (c *Cache) store(ctx context.Context, key string, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}

func (c *Cache) invalidate(ctx context.Context) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Incr(ctx, c.genKey()).Err(); err != nil {
		c.log.WithError(err).Warn("cache invalidation failed; cached reads may be stale until ttl")
	}
}

func (c *Cache) genKey() string { return c.prefix + ":gen" }

func (c *Cache) listKey(gen int64) string {
	return c.prefix + ":list:" + strconv.FormatInt(gen, 10)
}

func (c *Cache) sumKey(gen int64) string {
	return c.prefix + ":sum:" + strconv.FormatInt(gen, 10)
}
