package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lcksfa/async-ai-task-runner/internal/config"
	"github.com/lcksfa/async-ai-task-runner/internal/models"
)

// Delivery is one leased hand-off of a work item to a worker. Redeliveries of
// the same item are distinct members, so acking a stale delivery never
// releases a newer lease.
type Delivery struct {
	Item         models.WorkItem
	Lane         string
	Redeliveries int
	member       string
}

// RedisQueue coordinates ready and in-flight work items in Redis. Ready
// items live in one list per priority lane; leased items live in a sorted set
// scored by lease deadline (the visibility timeout).
type RedisQueue struct {
	client        *redis.Client
	lanes         []string
	inflightKey   string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewWithClient(client, cfg.PriorityQueues, cfg.VisibilityTimeout)
}

// NewWithClient wraps an existing client. Lanes are listed highest priority first.
func NewWithClient(client *redis.Client, lanes []string, visibility time.Duration) *RedisQueue {
	if len(lanes) == 0 {
		lanes = []string{"default"}
	}
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		lanes:         lanes,
		inflightKey:   "queue:inflight",
		visibilityTTL: visibility,
	}
}

// Client exposes the underlying connection for components sharing it.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

// Close releases the connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// VisibilityTimeout is how long a delivery stays leased without extension.
func (q *RedisQueue) VisibilityTimeout() time.Duration {
	return q.visibilityTTL
}

func (q *RedisQueue) readyKey(lane string) string {
	return fmt.Sprintf("queue:ready:%s", lane)
}

// LaneFor maps a 1-10 priority onto the configured lanes. The top 30% of the
// range goes to the first lane, the bottom 30% to the last, the rest to the
// middle lane(s).
func (q *RedisQueue) LaneFor(priority int) string {
	n := len(q.lanes)
	switch {
	case n == 1:
		return q.lanes[0]
	case priority >= 8:
		return q.lanes[0]
	case priority <= 3:
		return q.lanes[n-1]
	default:
		return q.lanes[n/2]
	}
}

// Publish appends a work item to its priority lane. An empty DeliveryID is filled in.
func (q *RedisQueue) Publish(ctx context.Context, item models.WorkItem) error {
	if item.DeliveryID == "" {
		item.DeliveryID = uuid.NewString()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	lane := q.LaneFor(item.Priority)
	member, err := encodeMember(lane, 0, item)
	if err != nil {
		return err
	}
	return q.client.RPush(ctx, q.readyKey(lane), member).Err()
}

// Dequeue pops the next item from the lanes (priority order) and leases it.
// It returns nil when every lane is empty.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	keys := make([]string, 0, len(q.lanes)+1)
	for _, lane := range q.lanes {
		keys = append(keys, q.readyKey(lane))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	member, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	d, err := decodeMember(member)
	if err != nil {
		// Undecodable members would otherwise cycle through requeue forever.
		_ = q.client.ZRem(ctx, q.inflightKey, member).Err()
		return nil, err
	}
	return d, nil
}

// ExtendLease pushes the visibility deadline forward. It reports false when
// the delivery is no longer leased (acked or reclaimed).
func (q *RedisQueue) ExtendLease(ctx context.Context, d *Delivery, extension time.Duration) (bool, error) {
	n, err := q.client.ZAddArgs(ctx, q.inflightKey, redis.ZAddArgs{
		XX: true,
		Ch: true,
		Members: []redis.Z{{
			Score:  float64(time.Now().Add(extension).UnixMilli()),
			Member: d.member,
		}},
	}).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Ack removes the delivery from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	return q.client.ZRem(ctx, q.inflightKey, d.member).Err()
}

// RequeueExpired moves leases whose deadline passed back to their lane and
// returns the items moved. The move is atomic per call.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]models.WorkItem, error) {
	res, err := requeueScript.Run(ctx, q.client, []string{q.inflightKey}, now.UnixMilli(), limit).Result()
	if err != nil {
		return nil, err
	}
	raw, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected type from requeue script: %T", res)
	}
	items := make([]models.WorkItem, 0, len(raw))
	for _, r := range raw {
		member, ok := r.(string)
		if !ok {
			continue
		}
		d, err := decodeMember(member)
		if err != nil {
			continue
		}
		items = append(items, d.Item)
	}
	return items, nil
}

// ReadyDepth returns the total length of all ready lanes.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.lanes))
	for _, lane := range q.lanes {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(lane)))
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

// InFlight returns the number of leased deliveries.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

// Members are "<lane>:<redeliveries>:<json>".
func encodeMember(lane string, redeliveries int, item models.WorkItem) (string, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("encode work item: %w", err)
	}
	return lane + ":" + strconv.Itoa(redeliveries) + ":" + string(body), nil
}

func decodeMember(member string) (*Delivery, error) {
	lane, rest, ok := strings.Cut(member, ":")
	if !ok {
		return nil, fmt.Errorf("malformed queue member %q", member)
	}
	count, body, ok := strings.Cut(rest, ":")
	if !ok {
		return nil, fmt.Errorf("malformed queue member %q", member)
	}
	n, err := strconv.Atoi(count)
	if err != nil {
		return nil, fmt.Errorf("malformed redelivery count in %q: %w", member, err)
	}
	var item models.WorkItem
	if err := json.Unmarshal([]byte(body), &item); err != nil {
		return nil, fmt.Errorf("decode work item: %w", err)
	}
	return &Delivery{Item: item, Lane: lane, Redeliveries: n, member: member}, nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local item = redis.call('LPOP', KEYS[i])
  if item then
    redis.call('ZADD', inflight, ARGV[1], item)
    return item
  end
end
return nil
`)

var requeueScript = redis.NewScript(`
local inflight = KEYS[1]
local expired = redis.call('ZRANGEBYSCORE', inflight, '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local moved = {}
for _, member in ipairs(expired) do
  local lane, count, body = string.match(member, '^([^:]+):(%d+):(.*)$')
  redis.call('ZREM', inflight, member)
  if lane then
    local requeued = lane .. ':' .. tostring(tonumber(count) + 1) .. ':' .. body
    redis.call('RPUSH', 'queue:ready:' .. lane, requeued)
    table.insert(moved, requeued)
  end
end
return moved
`)
