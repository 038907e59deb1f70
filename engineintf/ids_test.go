package engineintf

import (
	"crypto/rand"
	"testing"

	"github.com/companyzero/inboxengine/internal/assert"
)

func TestParseAttachmentID(t *testing.T) {
	uid, err := RandomUID(rand.Reader)
	assert.NilErr(t, err)

	id := AttachmentID{Message: uid, Number: 7}
	got, err := ParseAttachmentID(id.String())
	assert.NilErr(t, err)
	assert.DeepEqual(t, got, id)

	tests := []string{
		"",
		uid.String(),
		uid.String() + "/",
		uid.String() + "/-1",
		"abcd/1",
	}
	for _, tc := range tests {
		if _, err := ParseAttachmentID(tc); err == nil {
			t.Fatalf("expected error parsing %q", tc)
		}
	}
}

func TestUIDRoundTrip(t *testing.T) {
	uid, err := RandomUID(rand.Reader)
	assert.NilErr(t, err)
	got, err := ParseUID(uid.String())
	assert.NilErr(t, err)
	assert.DeepEqual(t, got, uid)

	_, err = ParseIdentityID("zz")
	assert.NonNilErr(t, err)
}
