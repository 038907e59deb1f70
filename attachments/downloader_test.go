package attachments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/companyzero/inboxengine/enginedb"
	"github.com/companyzero/inboxengine/engineintf"
	"github.com/companyzero/inboxengine/internal/assert"
	"github.com/companyzero/inboxengine/ntfns"
)

// fakeServer serves the chunks of attachments through signed urls.
type fakeServer struct {
	mtx       sync.Mutex
	atts      map[engineintf.AttachmentID]*testAttachment
	deleted   map[engineintf.AttachmentID]bool
	expireOne map[string]bool
	gen       int
	fetches   int
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		atts:      make(map[engineintf.AttachmentID]*testAttachment),
		deleted:   make(map[engineintf.AttachmentID]bool),
		expireOne: make(map[string]bool),
	}
}

func (s *fakeServer) add(ta *testAttachment) {
	s.mtx.Lock()
	s.atts[ta.id] = ta
	s.mtx.Unlock()
}

func (s *fakeServer) RequestSignedURLs(_ context.Context, a *enginedb.Attachment) ([]string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.deleted[a.ID] {
		return nil, ErrDeletedFromServer
	}
	if _, ok := s.atts[a.ID]; !ok {
		return nil, errors.New("unknown attachment")
	}
	s.gen++
	urls := make([]string, a.ChunkCount)
	for i := range urls {
		urls[i] = fmt.Sprintf("%s/%d/%d", a.ID.Message, i, s.gen)
	}
	return urls, nil
}

func (s *fakeServer) FetchChunk(_ context.Context, url string, expectedLen int64) ([]byte, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.fetches++
	if s.expireOne[url] {
		delete(s.expireOne, url)
		return nil, ErrSignedURLExpired
	}
	parts := strings.Split(url, "/")
	uid, err := engineintf.ParseUID(parts[0])
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, err
	}
	ta := s.atts[engineintf.AttachmentID{Message: uid}]
	if ta == nil || s.deleted[ta.id] {
		return nil, ErrDeletedFromServer
	}
	c := ta.chunks[n]
	if int64(len(c)) != expectedLen {
		return nil, fmt.Errorf("wrong expected len")
	}
	return c, nil
}

func runDownloads(t testing.TB, h *testHarness) {
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- h.m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		err := <-runErr
		if !errors.Is(err, context.Canceled) {
			t.Errorf("unexpected run error: %v", err)
		}
	})
}

// TestDownloadLoop asserts the loop fetches every chunk of resumed
// attachments, recovering from an expired url.
func TestDownloadLoop(t *testing.T) {
	srv := newFakeServer()
	h := newTestHarnessWithConfig(t, Config{
		URLProvider:         srv,
		Fetcher:             srv,
		MaxConcurrentChunks: 2,
		PollInterval:        50 * time.Millisecond,
	})
	ctx := context.Background()
	downloaded := make(chan engineintf.AttachmentID, 2)
	h.ntfns.Register(ntfns.OnAttachmentDownloadedNtfn(func(id engineintf.AttachmentID, _ string) {
		downloaded <- id
	}))

	ta := newTestAttachment(t, 3000, 512)
	srv.add(ta)
	h.announceAndBind(ta, 512)

	// The first generation of the url of chunk 1 expires.
	srv.expireOne[fmt.Sprintf("%s/1/1", ta.id.Message)] = true

	runDownloads(t, h)
	assert.NilErr(t, h.m.Resume(ctx, ta.id))
	assert.ChanWrittenWithVal(t, downloaded, ta.id)

	a := h.attachment(ta.id)
	assert.DeepEqual(t, a.Status, enginedb.StatusDownloaded)
	assert.FileContents(t, a.OutputPath, ta.plaintext)
}

// TestDownloadLoopPausedNotFetched asserts paused attachments are not
// fetched.
func TestDownloadLoopPausedNotFetched(t *testing.T) {
	srv := newFakeServer()
	h := newTestHarnessWithConfig(t, Config{
		URLProvider:  srv,
		Fetcher:      srv,
		PollInterval: 10 * time.Millisecond,
	})
	ta := newTestAttachment(t, 1000, 256)
	srv.add(ta)
	h.announceAndBind(ta, 256)
	runDownloads(t, h)

	time.Sleep(100 * time.Millisecond)
	srv.mtx.Lock()
	fetches := srv.fetches
	srv.mtx.Unlock()
	assert.DeepEqual(t, fetches, 0)
	assert.DeepEqual(t, h.status(ta.id), enginedb.StatusPaused)
}

// TestDownloadLoopDeletedFromServer asserts an attachment the server no
// longer holds is cancelled.
func TestDownloadLoopDeletedFromServer(t *testing.T) {
	srv := newFakeServer()
	h := newTestHarnessWithConfig(t, Config{
		URLProvider:  srv,
		Fetcher:      srv,
		PollInterval: 10 * time.Millisecond,
	})
	cancelled := make(chan engineintf.AttachmentID, 1)
	h.ntfns.Register(ntfns.OnAttachmentCancelledByServerNtfn(func(id engineintf.AttachmentID) {
		cancelled <- id
	}))

	ta := newTestAttachment(t, 1000, 256)
	srv.add(ta)
	srv.deleted[ta.id] = true
	h.announceAndBind(ta, 256)
	runDownloads(t, h)
	assert.NilErr(t, h.m.Resume(context.Background(), ta.id))
	assert.ChanWrittenWithVal(t, cancelled, ta.id)
	assert.DeepEqual(t, h.status(ta.id), enginedb.StatusCancelledByServer)
}

func TestHTTPFetcher(t *testing.T) {
	chunk := []byte("0123456789")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Write(chunk)
		case "/expired":
			w.WriteHeader(http.StatusForbidden)
		case "/gone":
			w.WriteHeader(http.StatusGone)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(ts.Close)

	f := NewHTTPFetcher(ts.Client())
	ctx := context.Background()

	got, err := f.FetchChunk(ctx, ts.URL+"/ok", int64(len(chunk)))
	assert.NilErr(t, err)
	assert.DeepEqual(t, got, chunk)

	_, err = f.FetchChunk(ctx, ts.URL+"/ok", 5)
	assert.NonNilErr(t, err)
	_, err = f.FetchChunk(ctx, ts.URL+"/ok", 20)
	assert.NonNilErr(t, err)

	_, err = f.FetchChunk(ctx, ts.URL+"/expired", 10)
	assert.ErrorIs(t, err, ErrSignedURLExpired)
	_, err = f.FetchChunk(ctx, ts.URL+"/gone", 10)
	assert.ErrorIs(t, err, ErrDeletedFromServer)
	_, err = f.FetchChunk(ctx, ts.URL+"/missing", 10)
	assert.ErrorIs(t, err, ErrDeletedFromServer)
}
