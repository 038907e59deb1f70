package attachments

import (
	"errors"
	"fmt"

	"github.com/companyzero/inboxengine/chunkcodec"
	"github.com/companyzero/inboxengine/enginedb"
)

var (
	// ErrAlreadyExists is returned when creating an attachment that was
	// already announced.
	ErrAlreadyExists = enginedb.ErrAlreadyExists

	// ErrNotFound is returned for operations on unknown attachments.
	ErrNotFound = enginedb.ErrNotFound

	// ErrAlreadySet is returned on a second binding of the decryption key.
	ErrAlreadySet = errors.New("decryption key already set")

	// ErrKeyNotBound is returned when writing a chunk before the key is
	// bound.
	ErrKeyNotBound = errors.New("decryption key not bound")

	// ErrInvalidChunkNumber is returned for chunk numbers past the last
	// chunk.
	ErrInvalidChunkNumber = errors.New("invalid chunk number")

	// ErrChunkAlreadyWritten is returned when writing a chunk that was
	// already written to the output file.
	ErrChunkAlreadyWritten = errors.New("chunk already written")

	// ErrNotDownloadable is returned when writing chunks of an attachment
	// that is downloaded, cancelled or marked for deletion.
	ErrNotDownloadable = errors.New("attachment is not downloadable")

	// ErrIntegrityMismatch is returned when the assembled file does not
	// match the expected digest.
	ErrIntegrityMismatch = errors.New("assembled file does not match digest")

	// ErrMissingDigest is returned when binding without an expected
	// digest.
	ErrMissingDigest = errors.New("missing expected digest")

	// ErrUnknownDigestAlgo is returned for digests of an unsupported hash
	// function.
	ErrUnknownDigestAlgo = errors.New("unknown digest algorithm")

	// ErrSessionActive is returned when starting a transfer session for an
	// attachment that already has one.
	ErrSessionActive = errors.New("transfer session already active")

	// ErrWrongURLCount is returned when the number of signed URLs does not
	// match the number of chunks.
	ErrWrongURLCount = errors.New("wrong number of signed urls")

	// ErrDeletedFromServer is returned by transports when the server no
	// longer holds the attachment.
	ErrDeletedFromServer = errors.New("attachment deleted from server")

	// ErrSignedURLExpired is returned by fetchers when a signed URL is no
	// longer accepted by the server.
	ErrSignedURLExpired = errors.New("signed url expired")

	// ErrDecryptionFailed is returned when a chunk fails authentication.
	ErrDecryptionFailed = chunkcodec.ErrDecryptionFailed
)

// IllegalStatusTransitionError is returned when attempting a status change
// that is not an edge of the attachment state machine.
type IllegalStatusTransitionError struct {
	From, To enginedb.AttachmentStatus
}

func (err IllegalStatusTransitionError) Error() string {
	return fmt.Sprintf("illegal status transition from %s to %s", err.From, err.To)
}

func (err IllegalStatusTransitionError) Is(target error) bool {
	_, ok := target.(IllegalStatusTransitionError)
	return ok
}

// UnexpectedChunkLengthError is returned when a decrypted chunk does not have
// the plaintext length derived from its ciphertext length.
type UnexpectedChunkLengthError struct {
	Chunk uint32
	Got   int64
	Want  int64
}

func (err UnexpectedChunkLengthError) Error() string {
	return fmt.Sprintf("chunk %d has plaintext length %d, want %d",
		err.Chunk, err.Got, err.Want)
}

func (err UnexpectedChunkLengthError) Is(target error) bool {
	_, ok := target.(UnexpectedChunkLengthError)
	return ok
}
