package testutils

import (
	"crypto/rand"
	"io"
	"testing"

	"github.com/companyzero/inboxengine/engineintf"
)

// RandomBytes returns a slice of sz random bytes.
func RandomBytes(t testing.TB, sz int) []byte {
	t.Helper()
	b := make([]byte, sz)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		t.Fatal(err)
	}
	return b
}

// RandomUID returns a random uid.
func RandomUID(t testing.TB) engineintf.UID {
	t.Helper()
	uid, err := engineintf.RandomUID(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return uid
}

// RandomIdentityID returns a random identity id.
func RandomIdentityID(t testing.TB) engineintf.IdentityID {
	t.Helper()
	var id engineintf.IdentityID
	copy(id[:], RandomBytes(t, len(id)))
	return id
}

// RandomAttachmentID returns an attachment id for a random message.
func RandomAttachmentID(t testing.TB, number uint32) engineintf.AttachmentID {
	t.Helper()
	return engineintf.AttachmentID{Message: RandomUID(t), Number: number}
}
