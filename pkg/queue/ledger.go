package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job record states tracked by the ledger.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
)

// JobRecord is the ledger's view of one job.
type JobRecord struct {
	ID           string    `json:"id"`
	Task         Task      `json:"task"`
	Status       string    `json:"status"`
	Result       string    `json:"result,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// tryCreateScript atomically rejects a job whose ID is still queued or
// processing, and otherwise replaces any stale terminal record. This keeps
// the duplicate-enqueue check and the record write in one round trip.
var tryCreateScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'queued' or status == 'processing' then
	return 0
end
redis.call('DEL', KEYS[1])
for i = 1, #ARGV, 2 do
	redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
return 1
`)

// Ledger persists job records in Redis hashes. Terminal records expire after
// the retention window; active records never expire.
type Ledger struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewLedger builds a ledger around an existing Redis client.
func NewLedger(client *redis.Client, prefix string, retention time.Duration) (*Ledger, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "docbrain"
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Ledger{client: client, prefix: prefix, retention: retention}, nil
}

func (l *Ledger) jobKey(jobID string) string {
	return fmt.Sprintf("%s:job:%s", l.prefix, jobID)
}

// TryCreate registers a queued record for the task, failing with
// ErrDuplicateJob while a record with the same ID is queued or processing.
func (l *Ledger) TryCreate(ctx context.Context, task Task) error {
	raw, err := encodeTask(task)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	created, err := tryCreateScript.Run(ctx, l.client, []string{l.jobKey(task.ID)},
		"id", task.ID,
		"task", raw,
		"status", StatusQueued,
		"error", "",
		"result", "",
		"attempts", "0",
		"createdAt", now,
		"updatedAt", now,
	).Int()
	if err != nil {
		return err
	}
	if created == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, task.ID)
	}
	return nil
}

// MarkProcessing flips the record to processing and bumps the attempt count,
// returning the updated record.
func (l *Ledger) MarkProcessing(ctx context.Context, jobID string) (JobRecord, error) {
	key := l.jobKey(jobID)
	attempts, err := l.client.HIncrBy(ctx, key, "attempts", 1).Result()
	if err != nil {
		return JobRecord{}, err
	}
	if err := l.client.HSet(ctx, key,
		"status", StatusProcessing,
		"updatedAt", time.Now().UTC().Format(time.RFC3339Nano),
	).Err(); err != nil {
		return JobRecord{}, err
	}
	rec, ok, err := l.Get(ctx, jobID)
	if err != nil {
		return JobRecord{}, err
	}
	if !ok {
		return JobRecord{}, fmt.Errorf("job record %s vanished", jobID)
	}
	rec.Attempts = int(attempts)
	return rec, nil
}

// MarkQueued returns the record to the queue after a transient failure.
func (l *Ledger) MarkQueued(ctx context.Context, jobID, errMsg string) error {
	return l.client.HSet(ctx, l.jobKey(jobID),
		"status", StatusQueued,
		"error", errMsg,
		"updatedAt", time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
}

// MarkSuccess records terminal success; the record is kept for the retention
// window for post-hoc inspection, not durability.
func (l *Ledger) MarkSuccess(ctx context.Context, jobID, result string) error {
	key := l.jobKey(jobID)
	if err := l.client.HSet(ctx, key,
		"status", StatusSucceeded,
		"result", result,
		"error", "",
		"updatedAt", time.Now().UTC().Format(time.RFC3339Nano),
	).Err(); err != nil {
		return err
	}
	return l.client.Expire(ctx, key, l.retention).Err()
}

// MarkFailure records terminal failure; queryable until retention expires or
// an explicit retry consumes it.
func (l *Ledger) MarkFailure(ctx context.Context, jobID, errMsg string) error {
	key := l.jobKey(jobID)
	if err := l.client.HSet(ctx, key,
		"status", StatusFailed,
		"error", errMsg,
		"updatedAt", time.Now().UTC().Format(time.RFC3339Nano),
	).Err(); err != nil {
		return err
	}
	return l.client.Expire(ctx, key, l.retention).Err()
}

// Get returns the record for a job ID.
func (l *Ledger) Get(ctx context.Context, jobID string) (JobRecord, bool, error) {
	data, err := l.client.HGetAll(ctx, l.jobKey(jobID)).Result()
	if err != nil {
		return JobRecord{}, false, err
	}
	if len(data) == 0 {
		return JobRecord{}, false, nil
	}
	rec, err := decodeJobRecord(jobID, data)
	if err != nil {
		return JobRecord{}, false, err
	}
	return rec, true, nil
}

// Delete removes the record outright (used when a retry consumes a stale
// terminal record).
func (l *Ledger) Delete(ctx context.Context, jobID string) error {
	return l.client.Del(ctx, l.jobKey(jobID)).Err()
}

// ScanFailed visits every failed record. It walks the keyspace with SCAN, so
// the sequence is lazy and safe to re-run from scratch. Returning false from
// visit stops the scan.
func (l *Ledger) ScanFailed(ctx context.Context, visit func(JobRecord) bool) error {
	match := l.prefix + ":job:*"
	var cursor uint64
	for {
		keys, next, err := l.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return err
		}
		for _, key := range keys {
			data, err := l.client.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			if data["status"] != StatusFailed {
				continue
			}
			rec, err := decodeJobRecord(data["id"], data)
			if err != nil {
				continue
			}
			if !visit(rec) {
				return nil
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func decodeJobRecord(jobID string, data map[string]string) (JobRecord, error) {
	rec := JobRecord{ID: jobID}
	if raw := data["task"]; raw != "" {
		task, err := decodeTask(raw)
		if err != nil {
			return JobRecord{}, err
		}
		rec.Task = task
	}
	rec.Status = data["status"]
	rec.Result = data["result"]
	rec.ErrorMessage = data["error"]
	if v := data["attempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			rec.Attempts = n
		}
	}
	if v := data["createdAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			rec.CreatedAt = t
		}
	}
	if v := data["updatedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			rec.UpdatedAt = t
		}
	}
	return rec, nil
}
