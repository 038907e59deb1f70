// Package chunkcodec splits attachments into independently encrypted chunks
// and places decrypted chunks into a pre-sized output file.
package chunkcodec

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/companyzero/inboxengine/aead"
)

var (
	// ErrInvalidChunkLength is returned when partitioning with a
	// non-positive total or nominal length.
	ErrInvalidChunkLength = errors.New("invalid chunk length")

	// ErrDecryptionFailed is returned when a chunk fails authentication.
	ErrDecryptionFailed = aead.ErrDecryptionFailed

	// ErrInvalidCiphertextLength is returned when a chunk is too short to
	// hold the overhead of the key's scheme.
	ErrInvalidCiphertextLength = aead.ErrInvalidCiphertextLength
)

// ChunkCount returns the number of chunks needed to hold totalLen bytes of
// ciphertext in chunks of nominalLen bytes.
func ChunkCount(totalLen, nominalLen int64) int64 {
	return 1 + (totalLen-1)/nominalLen
}

// Partition returns the ciphertext length of each chunk. All chunks but the
// last one have nominalLen bytes and the last one has the remainder, in the
// range (0, nominalLen].
func Partition(totalLen, nominalLen int64) ([]int64, error) {
	if totalLen <= 0 || nominalLen <= 0 {
		return nil, fmt.Errorf("%w: total %d nominal %d",
			ErrInvalidChunkLength, totalLen, nominalLen)
	}
	count := ChunkCount(totalLen, nominalLen)
	res := make([]int64, count)
	for i := range res {
		res[i] = nominalLen
	}
	res[count-1] = totalLen - (count-1)*nominalLen
	return res, nil
}

// PlaintextLength returns the length of the cleartext of a chunk with the
// given ciphertext length.
func PlaintextLength(ciphertextLen int64, key aead.Key) (int64, error) {
	l, err := aead.PlaintextLength(int(ciphertextLen), key)
	return int64(l), err
}

// DecryptChunk authenticates and decrypts a single chunk.
func DecryptChunk(ciphertext []byte, key aead.Key) ([]byte, error) {
	return aead.Decrypt(key, ciphertext)
}

// WriteAtOffset writes the plaintext of a chunk at the given offset of w. It
// does not depend on any previous bytes of the file having been written.
func WriteAtOffset(plaintext []byte, w io.WriterAt, offset int64) error {
	n, err := w.WriteAt(plaintext, offset)
	if err != nil {
		return err
	}
	if n != len(plaintext) {
		return io.ErrShortWrite
	}
	return nil
}

// WriteFileAt opens the file at path and writes plaintext at offset. The file
// must already exist.
func WriteFileAt(path string, plaintext []byte, offset int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if err := WriteAtOffset(plaintext, f, offset); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// CreateSparseFile atomically creates (or replaces) the file at path with the
// given size and no data written. The file is first sized in a temp file in
// the same dir, then renamed into place.
func CreateSparseFile(path string, size int64) error {
	dir, name := filepath.Split(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, name+".tmp")
	if err != nil {
		return err
	}
	tmpName := f.Name()
	fail := func(err error) error {
		f.Close()
		os.Remove(tmpName)
		return err
	}
	if err := f.Truncate(size); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// EncryptChunks is the sender side of the chunk layout: it splits plaintext
// such that every encrypted chunk has nominalLen bytes, except the last one
// which may be shorter. An empty plaintext yields a single chunk holding only
// the scheme overhead.
func EncryptChunks(plaintext []byte, nominalLen int, key aead.Key, rand io.Reader) ([][]byte, error) {
	perChunk, err := aead.PlaintextLength(nominalLen, key)
	if err != nil {
		return nil, err
	}
	if perChunk <= 0 {
		return nil, fmt.Errorf("%w: nominal length %d leaves no room for data",
			ErrInvalidChunkLength, nominalLen)
	}

	var res [][]byte
	for {
		n := min(perChunk, len(plaintext))
		ct, err := aead.Encrypt(key, plaintext[:n], rand)
		if err != nil {
			return nil, err
		}
		res = append(res, ct)
		plaintext = plaintext[n:]
		if len(plaintext) == 0 {
			return res, nil
		}
	}
}
