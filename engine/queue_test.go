package engine

import (
	"context"
	"testing"
	"time"

	"github.com/companyzero/inboxengine/engineintf"
	"github.com/companyzero/inboxengine/internal/assert"
	"github.com/companyzero/inboxengine/internal/testutils"
)

func TestQueueOrderAndDedup(t *testing.T) {
	q := newQueue()
	owned := testutils.RandomIdentityID(t)
	keys := make([]engineintf.MessageKey, 5)
	for i := range keys {
		keys[i] = engineintf.MessageKey{Owned: owned, UID: testutils.RandomUID(t)}
	}

	assert.DeepEqual(t, q.push(keys...), len(keys))
	assert.DeepEqual(t, q.push(keys[1], keys[3]), 0)
	assert.DeepEqual(t, q.len(), len(keys))

	for _, want := range keys {
		got, err := q.pop(context.Background())
		assert.NilErr(t, err)
		assert.DeepEqual(t, got, want)
	}

	// A popped key can be queued again.
	assert.DeepEqual(t, q.push(keys[0]), 1)
}

func TestQueuePopBlocks(t *testing.T) {
	q := newQueue()
	key := engineintf.MessageKey{UID: testutils.RandomUID(t)}
	res := make(chan engineintf.MessageKey, 1)
	go func() {
		k, err := q.pop(context.Background())
		if err == nil {
			res <- k
		}
	}()
	assert.ChanNotWritten(t, res, 50*time.Millisecond)
	q.push(key)
	assert.ChanWrittenWithVal(t, res, key)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.pop(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
