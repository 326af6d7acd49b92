package events

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/malwarebo/reelpipe/utils"
	"github.com/redis/go-redis/v9"
)

type RedisBusConfig struct {
	Stream      string
	GroupPrefix string
	// Consumer must be stable across restarts so unacknowledged entries are
	// picked up again by the same instance.
	Consumer string
	MaxLen   int64
	Block    time.Duration
	Batch    int64
}

type redisSubscription struct {
	consumer string
	types    []EventType
	handler  Handler
}

// RedisBus keeps events on a single Redis stream. Each subscription reads
// through its own consumer group and acknowledges an entry only after the
// handler succeeded or the entry was dead-lettered.
type RedisBus struct {
	client *redis.Client
	cfg    RedisBusConfig
	opts   BusOptions

	mu      sync.Mutex
	subs    []*redisSubscription
	cancel  context.CancelFunc
	workers sync.WaitGroup
	started bool
}

func NewRedisBus(client *redis.Client, cfg RedisBusConfig, opts BusOptions) *RedisBus {
	opts.withDefaults()
	if cfg.Stream == "" {
		cfg.Stream = "pipeline.events"
	}
	if cfg.GroupPrefix == "" {
		cfg.GroupPrefix = "pipeline"
	}
	if cfg.Consumer == "" {
		host, _ := os.Hostname()
		cfg.Consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 16
	}
	return &RedisBus{client: client, cfg: cfg, opts: opts}
}

func (b *RedisBus) Publish(ctx context.Context, env *Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: b.cfg.Stream,
		Values: map[string]interface{}{
			"type":     string(env.Type),
			"envelope": string(data),
		},
	}
	if b.cfg.MaxLen > 0 {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}

	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return utils.Transient("publish event", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(consumer string, types []EventType, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errors.New("redis bus: subscribe after start")
	}
	b.subs = append(b.subs, &redisSubscription{consumer: consumer, types: types, handler: handler})
	return nil
}

func (b *RedisBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	for _, sub := range b.subs {
		group := b.group(sub)
		err := b.client.XGroupCreateMkStream(ctx, b.cfg.Stream, group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			cancel()
			return fmt.Errorf("create consumer group %s: %w", group, err)
		}
	}

	for _, sub := range b.subs {
		b.workers.Add(1)
		go b.consume(runCtx, sub)
	}

	b.cancel = cancel
	b.started = true
	return nil
}

func (b *RedisBus) group(sub *redisSubscription) string {
	return b.cfg.GroupPrefix + "." + sub.consumer
}

func (b *RedisBus) consume(ctx context.Context, sub *redisSubscription) {
	defer b.workers.Done()

	group := b.group(sub)
	// Entries delivered before a crash but never acknowledged come first.
	cursor := "0"

	for ctx.Err() == nil {
		block := b.cfg.Block
		if cursor == "0" {
			block = -1
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: b.cfg.Consumer,
			Streams:  []string{b.cfg.Stream, cursor},
			Count:    b.cfg.Batch,
			Block:    block,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) {
				cursor = ">"
				continue
			}
			if ctx.Err() != nil {
				return
			}
			utils.Error(ctx, "redis bus read failed", map[string]interface{}{
				"group": group,
				"error": err.Error(),
			})
			_ = utils.Sleep(ctx, time.Second)
			continue
		}

		received := 0
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				received++
				b.handle(ctx, sub, group, msg)
			}
		}

		if cursor == "0" && received == 0 {
			cursor = ">"
		}
	}
}

func (b *RedisBus) handle(ctx context.Context, sub *redisSubscription, group string, msg redis.XMessage) {
	raw, _ := msg.Values["envelope"].(string)
	env, err := Unmarshal([]byte(raw))
	if err != nil {
		utils.Error(ctx, "dropping undecodable stream entry", map[string]interface{}{
			"stream_id": msg.ID,
			"error":     err.Error(),
		})
		b.ack(ctx, group, msg.ID)
		return
	}

	if matches(sub.types, env.Type) {
		if err := deliver(ctx, b.opts, sub.consumer, env, sub.handler); err != nil {
			// Shutdown mid-retry: leave the entry pending for the next start.
			return
		}
	}
	b.ack(ctx, group, msg.ID)
}

func (b *RedisBus) ack(ctx context.Context, group, id string) {
	if err := b.client.XAck(ctx, b.cfg.Stream, group, id).Err(); err != nil {
		utils.Warn(ctx, "redis bus ack failed", map[string]interface{}{
			"stream_id": id,
			"error":     err.Error(),
		})
	}
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.workers.Wait()
	return nil
}
