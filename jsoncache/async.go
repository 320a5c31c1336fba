package jsoncache

import "context"

// Result is the outcome of one queued AsyncManager operation.
type Result struct {
	Entry   *Entry
	Found   bool
	Count   int
	Exists  bool
	Deleted bool
	Stats   Stats
	Err     error
}

type task func() Result

// AsyncManager serializes every write against a Cache through a single
// worker goroutine, per spec §4.K ("An AsyncManager wrapper provides the
// same API returning tasks and serialises writes"). Reads are dispatched
// through the same queue so callers observe operations in submission
// order, though the Cache itself already lets reads proceed lock-free.
type AsyncManager struct {
	cache *Cache
	tasks chan task
	done  chan struct{}
}

// NewAsyncManager starts the worker goroutine backing cache. queueSize
// bounds how many pending operations may be buffered before Submit blocks.
func NewAsyncManager(cache *Cache, queueSize int) *AsyncManager {
	if queueSize <= 0 {
		queueSize = 64
	}
	m := &AsyncManager{
		cache: cache,
		tasks: make(chan task, queueSize),
		done:  make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *AsyncManager) run() {
	for t := range m.tasks {
		t()
	}
	close(m.done)
}

// Close stops accepting new work and waits for the queue to drain.
func (m *AsyncManager) Close() {
	close(m.tasks)
	<-m.done
}

func (m *AsyncManager) submit(ctx context.Context, t task) <-chan Result {
	out := make(chan Result, 1)
	wrapped := func() Result {
		r := t()
		out <- r
		return r
	}
	select {
	case m.tasks <- wrapped:
	case <-ctx.Done():
		out <- Result{Err: ctx.Err()}
	}
	return out
}

// Set queues a write, returning a channel the caller can receive from to
// learn when it has landed.
func (m *AsyncManager) Set(ctx context.Context, key string, value []byte, entityType string, ttlSeconds int64, contentHash string) <-chan Result {
	return m.submit(ctx, func() Result {
		err := m.cache.Set(key, value, entityType, ttlSeconds, contentHash)
		return Result{Err: err}
	})
}

// Get queues a read through the same serialized queue as writes.
func (m *AsyncManager) Get(ctx context.Context, key string) <-chan Result {
	return m.submit(ctx, func() Result {
		entry, found, err := m.cache.Get(key)
		return Result{Entry: entry, Found: found, Err: err}
	})
}

// Exists queues an existence check.
func (m *AsyncManager) Exists(ctx context.Context, key string) <-chan Result {
	return m.submit(ctx, func() Result {
		exists, err := m.cache.Exists(key)
		return Result{Exists: exists, Err: err}
	})
}

// Delete queues a deletion.
func (m *AsyncManager) Delete(ctx context.Context, key string) <-chan Result {
	return m.submit(ctx, func() Result {
		deleted, err := m.cache.Delete(key)
		return Result{Deleted: deleted, Err: err}
	})
}

// Clear queues a full wipe.
func (m *AsyncManager) Clear(ctx context.Context) <-chan Result {
	return m.submit(ctx, func() Result {
		count, err := m.cache.Clear()
		return Result{Count: count, Err: err}
	})
}

// EvictExpired queues an expiry sweep.
func (m *AsyncManager) EvictExpired(ctx context.Context) <-chan Result {
	return m.submit(ctx, func() Result {
		count, err := m.cache.EvictExpired()
		return Result{Count: count, Err: err}
	})
}

// Stats queues a stats snapshot.
func (m *AsyncManager) Stats(ctx context.Context) <-chan Result {
	return m.submit(ctx, func() Result {
		stats, err := m.cache.Stats()
		return Result{Stats: stats, Err: err}
	})
}
