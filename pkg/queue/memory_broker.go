package queue

import "context"

// MemoryBroker is an in-process broker used by tests and single-process
// deployments without Redis Streams or RabbitMQ available.
type MemoryBroker struct {
	pending chan Task
}

// NewMemoryBroker builds a broker with a bounded in-memory buffer.
func NewMemoryBroker(buffer int) *MemoryBroker {
	if buffer <= 0 {
		buffer = 128
	}
	return &MemoryBroker{pending: make(chan Task, buffer)}
}

// Publish buffers the task; fails if the buffer is full rather than blocking
// the producer.
func (b *MemoryBroker) Publish(ctx context.Context, task Task) error {
	select {
	case b.pending <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches consumer goroutines.
func (b *MemoryBroker) Start(ctx context.Context, concurrency int, handle func(ctx context.Context, task Task) Outcome) {
	if concurrency <= 0 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case task := <-b.pending:
					if handle(ctx, task) == OutcomeRetry {
						select {
						case b.pending <- task:
						case <-ctx.Done():
							return
						}
					}
				}
			}
		}()
	}
}
