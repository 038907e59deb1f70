package s3urls

import (
	"context"
	"net/url"
	"strings"
	"testing"

	"github.com/companyzero/inboxengine/attachments"
	"github.com/companyzero/inboxengine/enginedb"
	"github.com/companyzero/inboxengine/internal/assert"
	"github.com/companyzero/inboxengine/internal/testutils"
)

var _ attachments.SignedURLProvider = (*Presigner)(nil)

// TestPresignChunkURLs signs urls against a local endpoint. Signing does not
// contact the endpoint.
func TestPresignChunkURLs(t *testing.T) {
	p, err := New(context.Background(), Config{
		Region:    "us-east-1",
		Endpoint:  "http://127.0.0.1:9000",
		Bucket:    "attachments",
		AccessKey: "minio",
		SecretKey: "minio123",
		Prefix:    "inbox",
		Logger:    testutils.TestLoggerSys(t, "S3UR"),
	})
	assert.NilErr(t, err)

	a := &enginedb.Attachment{ID: testutils.RandomAttachmentID(t, 2), ChunkCount: 3}
	urls, err := p.RequestSignedURLs(context.Background(), a)
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(urls), 3)

	for i, s := range urls {
		u, err := url.Parse(s)
		assert.NilErr(t, err)
		assert.DeepEqual(t, u.Host, "127.0.0.1:9000")
		wantPath := "/attachments/" + p.ObjectKey(a.ID, uint32(i))
		assert.DeepEqual(t, u.Path, wantPath)
		if !strings.HasPrefix(p.ObjectKey(a.ID, uint32(i)), "inbox/"+a.ID.Message.String()+"/2/") {
			t.Fatalf("unexpected object key %s", p.ObjectKey(a.ID, uint32(i)))
		}
		q := u.Query()
		assert.DeepEqual(t, q.Get("X-Amz-Expires"), "900")
		if q.Get("X-Amz-Signature") == "" {
			t.Fatal("url is not signed")
		}
	}
}

func TestBucketRequired(t *testing.T) {
	_, err := New(context.Background(), Config{Region: "us-east-1"})
	assert.NonNilErr(t, err)
}
