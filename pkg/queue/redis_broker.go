package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"docbrain/internal/util"
)

// RedisBroker delivers tasks over a Redis Stream with a consumer group.
// Stalled deliveries (worker crash mid-task) are reclaimed via XAutoClaim.
type RedisBroker struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	block        time.Duration
	claimIdle    time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	once         sync.Once
}

// RedisBrokerConfig configures a RedisBroker.
type RedisBrokerConfig struct {
	Stream     string
	Group      string
	Consumer   string
	Block      time.Duration
	ClaimIdle  time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
}

// NewRedisBroker builds a broker around an existing Redis client.
func NewRedisBroker(client *redis.Client, cfg RedisBrokerConfig) (*RedisBroker, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("broker stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "workers"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}
	return &RedisBroker{
		client:       client,
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		block:        block,
		claimIdle:    claimIdle,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
	}, nil
}

// Publish appends the task to the stream.
func (b *RedisBroker) Publish(ctx context.Context, task Task) error {
	raw, err := encodeTask(task)
	if err != nil {
		return err
	}
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id": task.ID,
			"task":   raw,
		},
	}).Err()
}

// Start launches consumer goroutines that feed deliveries to handle.
func (b *RedisBroker) Start(ctx context.Context, concurrency int, handle func(ctx context.Context, task Task) Outcome) {
	if concurrency <= 0 {
		concurrency = 1
	}
	b.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", b.consumerBase, i)
		go b.consumeLoop(ctx, consumer, handle)
	}
}

func (b *RedisBroker) ensureGroup(ctx context.Context) {
	b.once.Do(func() {
		err := b.client.XGroupCreateMkStream(ctx, b.stream, b.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			slog.Warn("create consumer group", "stream", b.stream, "err", err)
		}
	})
}

func (b *RedisBroker) consumeLoop(ctx context.Context, consumer string, handle func(ctx context.Context, task Task) Outcome) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := b.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				b.handleMessage(ctx, msg, handle)
			}
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: consumer,
			Streams:  []string{b.stream, ">"},
			Count:    b.readCount,
			Block:    b.block,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				b.handleMessage(ctx, msg, handle)
			}
		}
	}
}

func (b *RedisBroker) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   b.stream,
		Group:    b.group,
		Consumer: consumer,
		MinIdle:  b.claimIdle,
		Start:    "0-0",
		Count:    b.claimCount,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (b *RedisBroker) handleMessage(ctx context.Context, msg redis.XMessage, handle func(ctx context.Context, task Task) Outcome) {
	raw, _ := msg.Values["task"].(string)
	if raw == "" {
		b.ackAndDel(ctx, msg.ID)
		return
	}
	task, err := decodeTask(raw)
	if err != nil {
		b.ackAndDel(ctx, msg.ID)
		return
	}
	switch handle(ctx, task) {
	case OutcomeRetry:
		_ = b.requeueAndAck(ctx, msg.ID, task)
	default:
		b.ackAndDel(ctx, msg.ID)
	}
}

func (b *RedisBroker) ackAndDel(ctx context.Context, msgID string) {
	_, _ = b.client.XAck(ctx, b.stream, b.group, msgID).Result()
	_, _ = b.client.XDel(ctx, b.stream, msgID).Result()
}

// requeueAndAck re-adds the task and acks the old delivery in one pipeline so
// a crash cannot drop the message between the two.
func (b *RedisBroker) requeueAndAck(ctx context.Context, msgID string, task Task) error {
	raw, err := encodeTask(task)
	if err != nil {
		return err
	}
	pipe := b.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id": task.ID,
			"task":   raw,
		},
	})
	pipe.XAck(ctx, b.stream, b.group, msgID)
	pipe.XDel(ctx, b.stream, msgID)
	_, err = pipe.Exec(ctx)
	return err
}
