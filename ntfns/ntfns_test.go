package ntfns

import (
	"testing"
	"time"

	"github.com/companyzero/inboxengine/engineintf"
	"github.com/companyzero/inboxengine/internal/assert"
	"github.com/companyzero/inboxengine/internal/testutils"
)

func TestRegisterAndUnregister(t *testing.T) {
	nmgr := NewManager()
	id := testutils.RandomAttachmentID(t, 0)

	syncCalls := make(chan engineintf.AttachmentID, 2)
	asyncCalls := make(chan string, 2)
	regSync := nmgr.RegisterSync(OnAttachmentPausedNtfn(func(id engineintf.AttachmentID) {
		syncCalls <- id
	}))
	nmgr.Register(OnAttachmentDownloadedNtfn(func(_ engineintf.AttachmentID, path string) {
		asyncCalls <- path
	}))

	nmgr.NotifyAttachmentPaused(id)
	assert.DeepEqual(t, len(syncCalls), 1)
	assert.ChanWrittenWithVal(t, syncCalls, id)

	nmgr.NotifyAttachmentDownloaded(id, "/tmp/out")
	assert.ChanWrittenWithVal(t, asyncCalls, "/tmp/out")

	assert.BoolIs(t, regSync.Unregister(), true)
	assert.BoolIs(t, regSync.Unregister(), false)
	nmgr.NotifyAttachmentPaused(id)
	assert.ChanNotWritten(t, syncCalls, 50*time.Millisecond)
}

func TestNilManager(t *testing.T) {
	var nmgr *Manager
	assert.DoesNotBlock(t, func() {
		nmgr.NotifyNewMessagesReceived(nil)
		nmgr.NotifyProtocolMessageProcessed(engineintf.MessageKey{},
			engineintf.InstanceKey{}, "")
	})
}

func TestRegisterUninitializedPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	nmgr := &Manager{}
	nmgr.Register(OnAttachmentResumedNtfn(func(engineintf.AttachmentID) {}))
}
