package attachments

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/companyzero/inboxengine/enginedb"
)

// SignedURLProvider obtains one signed download URL per chunk of an
// attachment. Implementations return ErrDeletedFromServer when the server no
// longer holds the attachment.
type SignedURLProvider interface {
	RequestSignedURLs(ctx context.Context, a *enginedb.Attachment) ([]string, error)
}

// ChunkFetcher downloads the ciphertext of a single chunk.
type ChunkFetcher interface {
	FetchChunk(ctx context.Context, url string, expectedLen int64) ([]byte, error)
}

// HTTPFetcher fetches chunks with plain GET requests against signed URLs.
type HTTPFetcher struct {
	c *http.Client
}

// NewHTTPFetcher returns a fetcher that uses c. A nil c uses
// http.DefaultClient.
func NewHTTPFetcher(c *http.Client) *HTTPFetcher {
	if c == nil {
		c = http.DefaultClient
	}
	return &HTTPFetcher{c: c}
}

// FetchChunk downloads the chunk at url. Responses with a body larger than
// expectedLen are rejected.
func (f *HTTPFetcher) FetchChunk(ctx context.Context, url string, expectedLen int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	res, err := f.c.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden:
		return nil, ErrSignedURLExpired
	case http.StatusNotFound, http.StatusGone:
		return nil, ErrDeletedFromServer
	default:
		return nil, fmt.Errorf("unexpected http status %d", res.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, expectedLen+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) != expectedLen {
		return nil, fmt.Errorf("chunk body has %d bytes, want %d", len(body),
			expectedLen)
	}
	return body, nil
}
