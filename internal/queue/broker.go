package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"docforge/internal/config"
)

// Broker coordinates ready, in-flight, and scheduled job queues in Redis
// for the durable backend. Dequeue and lease placement are atomic via a
// Lua script, which is what lets multiple worker processes consume the
// same queue without double-processing.
type Broker struct {
	client         *redis.Client
	priorityQueues []string
	inflightKey    string
	scheduledKey   string
	jobMetaPrefix  string
	visibilityTTL  time.Duration
	dlqKey         string
}

// NewBroker builds a broker from config.
func NewBroker(cfg config.Config) *Broker {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewBrokerWithClient(client, cfg)
}

// NewBrokerWithClient builds a broker around an existing client (tests).
func NewBrokerWithClient(client *redis.Client, cfg config.Config) *Broker {
	priorities := cfg.PriorityQueues
	if len(priorities) == 0 {
		priorities = []string{"default"}
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "pipeline:dlq"
	}
	return &Broker{
		client:         client,
		priorityQueues: priorities,
		inflightKey:    "pipeline:inflight",
		scheduledKey:   "pipeline:scheduled",
		jobMetaPrefix:  "pipeline:jobmeta:",
		visibilityTTL:  visibility,
		dlqKey:         dlq,
	}
}

func (b *Broker) readyKey(priority string) string {
	return fmt.Sprintf("pipeline:ready:%s", priority)
}

func (b *Broker) metaKey(jobID string) string {
	return b.jobMetaPrefix + jobID
}

// Push inserts a job into either the scheduled set or the ready queue.
func (b *Broker) Push(ctx context.Context, jobID, priority string, runAt time.Time) error {
	if priority == "" {
		priority = "default"
	}
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.metaKey(jobID), "priority", priority)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, b.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	} else {
		pipe.RPush(ctx, b.readyKey(priority), jobID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Defer moves a job into the scheduled set, used for backoff retries.
func (b *Broker) Defer(ctx context.Context, jobID, priority string, runAt time.Time) error {
	if priority == "" {
		priority = "default"
	}
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.metaKey(jobID), "priority", priority)
	pipe.ZAdd(ctx, b.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs into ready queues and returns
// how many were promoted.
func (b *Broker) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := b.client.ZRangeByScore(ctx, b.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := b.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, b.scheduledKey, id)
		pipe.RPush(ctx, b.readyKey(b.priorityOf(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a job from the ready queues in priority order and
// places it into the in-flight set with a visibility deadline.
func (b *Broker) DequeueWithLease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(b.priorityQueues)+1)
	for _, p := range b.priorityQueues {
		keys = append(keys, b.readyKey(p))
	}
	keys = append(keys, b.inflightKey)

	res, err := dequeueScript.Run(ctx, b.client, keys, time.Now().Add(b.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (b *Broker) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return b.client.ZAdd(ctx, b.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking and its meta record.
func (b *Broker) Ack(ctx context.Context, jobID string) error {
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.inflightKey, jobID)
	pipe.Del(ctx, b.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (b *Broker) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := b.client.ZRangeByScore(ctx, b.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := b.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, b.inflightKey, id)
		pipe.RPush(ctx, b.readyKey(b.priorityOf(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Remove deletes a job from ready, scheduled, and in-flight sets.
func (b *Broker) Remove(ctx context.Context, jobID string) error {
	pipe := b.client.TxPipeline()
	for _, p := range b.priorityQueues {
		pipe.LRem(ctx, b.readyKey(p), 0, jobID)
	}
	pipe.ZRem(ctx, b.inflightKey, jobID)
	pipe.ZRem(ctx, b.scheduledKey, jobID)
	pipe.Del(ctx, b.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush appends to the dead-letter queue for operator inspection.
func (b *Broker) DLQPush(ctx context.Context, jobID string) error {
	return b.client.RPush(ctx, b.dlqKey, jobID).Err()
}

// DLQPeek reads the latest dead-lettered job IDs.
func (b *Broker) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return b.client.LRange(ctx, b.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the total length of all ready queues.
func (b *Broker) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := b.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(b.priorityQueues))
	for _, p := range b.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, b.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

func (b *Broker) priorityOf(ctx context.Context, jobID string) string {
	priority, err := b.client.HGet(ctx, b.metaKey(jobID), "priority").Result()
	if err != nil || priority == "" {
		return "default"
	}
	return priority
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)
