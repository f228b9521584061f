package engine

import "sync"

// batchLocks provides per-batch mutual exclusion for state-mutating
// operations. One entry per batch; never a global lock across batches.
type batchLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newBatchLocks() *batchLocks {
	return &batchLocks{m: make(map[string]*sync.Mutex)}
}

func (l *batchLocks) get(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	bl, ok := l.m[id]
	if !ok {
		bl = &sync.Mutex{}
		l.m[id] = bl
	}
	return bl
}

// acquire blocks until the batch's critical section is free.
func (l *batchLocks) acquire(id string) (unlock func()) {
	bl := l.get(id)
	bl.Lock()
	return bl.Unlock
}

// tryAcquire returns false if another mutation on the same batch is already
// committing; the caller surfaces that as a retryable conflict.
func (l *batchLocks) tryAcquire(id string) (unlock func(), ok bool) {
	bl := l.get(id)
	if !bl.TryLock() {
		return nil, false
	}
	return bl.Unlock, true
}
