package chunkcodec

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/companyzero/inboxengine/aead"
	"github.com/companyzero/inboxengine/internal/assert"
	"github.com/companyzero/inboxengine/internal/testutils"
)

// TestPartition asserts the chunk partitioning invariants for a range of
// total and nominal lengths.
func TestPartition(t *testing.T) {
	for total := int64(1); total < 300; total++ {
		for _, nominal := range []int64{1, 2, 7, 64, 100, 299, 300, 1000} {
			chunks, err := Partition(total, nominal)
			assert.NilErr(t, err)
			assert.DeepEqual(t, int64(len(chunks)), ChunkCount(total, nominal))

			var sum int64
			for i, c := range chunks {
				sum += c
				if i < len(chunks)-1 && c != nominal {
					t.Fatalf("chunk %d of %d/%d has length %d",
						i, total, nominal, c)
				}
			}
			last := chunks[len(chunks)-1]
			if last <= 0 || last > nominal {
				t.Fatalf("last chunk of %d/%d has length %d", total,
					nominal, last)
			}
			assert.DeepEqual(t, sum, total)
		}
	}

	got, err := Partition(250, 100)
	assert.NilErr(t, err)
	assert.DeepEqual(t, got, []int64{100, 100, 50})

	_, err = Partition(0, 100)
	assert.ErrorIs(t, err, ErrInvalidChunkLength)
	_, err = Partition(100, 0)
	assert.ErrorIs(t, err, ErrInvalidChunkLength)
}

// TestReassembleOutOfOrder encrypts a file into chunks and reassembles it by
// writing the chunks in reverse order into a sparse file.
func TestReassembleOutOfOrder(t *testing.T) {
	dir := testutils.TempTestDir(t, "chunkcodec")
	key, err := aead.GenerateKey(aead.SchemeChaCha20Poly1305, rand.Reader)
	assert.NilErr(t, err)

	plaintext := testutils.RandomBytes(t, 1000)
	const nominal = 128
	chunks, err := EncryptChunks(plaintext, nominal, key, rand.Reader)
	assert.NilErr(t, err)

	var total int64
	for i, c := range chunks {
		if i < len(chunks)-1 {
			assert.DeepEqual(t, len(c), nominal)
		}
		total += int64(len(c))
	}
	parts, err := Partition(total, nominal)
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(parts), len(chunks))

	offsets := make([]int64, len(parts))
	var size int64
	for i, p := range parts {
		offsets[i] = size
		l, err := PlaintextLength(p, key)
		assert.NilErr(t, err)
		size += l
	}
	assert.DeepEqual(t, size, int64(len(plaintext)))

	fname := filepath.Join(dir, "sub", "out")
	assert.NilErr(t, CreateSparseFile(fname, size))
	for i := len(chunks) - 1; i >= 0; i-- {
		pt, err := DecryptChunk(chunks[i], key)
		assert.NilErr(t, err)
		assert.NilErr(t, WriteFileAt(fname, pt, offsets[i]))
	}

	got, err := os.ReadFile(fname)
	assert.NilErr(t, err)
	if !bytes.Equal(got, plaintext) {
		t.Fatal("reassembled file differs from the original")
	}
}

func TestEncryptChunksEmpty(t *testing.T) {
	key, err := aead.GenerateKey(aead.SchemeXSalsa20Poly1305, rand.Reader)
	assert.NilErr(t, err)
	chunks, err := EncryptChunks(nil, 100, key, rand.Reader)
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(chunks), 1)

	// Nominal length smaller than the overhead.
	_, err = EncryptChunks([]byte{1}, 10, key, rand.Reader)
	assert.ErrorIs(t, err, aead.ErrInvalidCiphertextLength)
}

func TestCreateSparseFileReplaces(t *testing.T) {
	dir := testutils.TempTestDir(t, "chunkcodec")
	fname := filepath.Join(dir, "f")
	assert.NilErr(t, os.WriteFile(fname, []byte("previous content"), 0o600))
	assert.NilErr(t, CreateSparseFile(fname, 4))
	got, err := os.ReadFile(fname)
	assert.NilErr(t, err)
	assert.DeepEqual(t, got, []byte{0, 0, 0, 0})

	// Writing into a file that does not exist fails.
	err = WriteFileAt(filepath.Join(dir, "missing"), []byte{1}, 0)
	assert.NonNilErr(t, err)
}
