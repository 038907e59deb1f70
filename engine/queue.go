package engine

import (
	"context"
	"sync"

	"github.com/companyzero/inboxengine/engineintf"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// queue is a FIFO of message keys. A key that is already queued is not added
// again.
type queue struct {
	mtx    sync.Mutex
	keys   *orderedmap.OrderedMap[engineintf.MessageKey, struct{}]
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{
		keys:   orderedmap.New[engineintf.MessageKey, struct{}](),
		signal: make(chan struct{}, 1),
	}
}

func (q *queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// push adds keys to the end of the queue. Returns the number of keys that
// were not already queued.
func (q *queue) push(keys ...engineintf.MessageKey) int {
	var added int
	q.mtx.Lock()
	for _, k := range keys {
		if _, present := q.keys.Set(k, struct{}{}); !present {
			added++
		}
	}
	q.mtx.Unlock()
	if added > 0 {
		q.wake()
	}
	return added
}

// pop blocks until a key is available or ctx is done.
func (q *queue) pop(ctx context.Context) (engineintf.MessageKey, error) {
	for {
		q.mtx.Lock()
		if p := q.keys.Oldest(); p != nil {
			k := p.Key
			q.keys.Delete(k)
			more := q.keys.Len() > 0
			q.mtx.Unlock()

			// Let another worker pick up the next key.
			if more {
				q.wake()
			}
			return k, nil
		}
		q.mtx.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return engineintf.MessageKey{}, ctx.Err()
		}
	}
}

func (q *queue) len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.keys.Len()
}
