package attachments

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/companyzero/inboxengine/enginedb"
	"lukechampine.com/blake3"
)

func newHasher(algo enginedb.DigestAlgo) (hash.Hash, error) {
	switch algo {
	case enginedb.DigestSHA256:
		return sha256.New(), nil
	case enginedb.DigestBLAKE3:
		return blake3.New(32, nil), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownDigestAlgo, algo)
	}
}

// FileDigest returns the digest of the file at path.
func FileDigest(path string, algo enginedb.DigestAlgo) (enginedb.Digest, error) {
	h, err := newHasher(algo)
	if err != nil {
		return enginedb.Digest{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return enginedb.Digest{}, err
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return enginedb.Digest{}, err
	}
	return enginedb.Digest{Algo: algo, Sum: h.Sum(nil)}, nil
}

// BytesDigest returns the digest of b.
func BytesDigest(b []byte, algo enginedb.DigestAlgo) (enginedb.Digest, error) {
	h, err := newHasher(algo)
	if err != nil {
		return enginedb.Digest{}, err
	}
	h.Write(b)
	return enginedb.Digest{Algo: algo, Sum: h.Sum(nil)}, nil
}

// verifyFile returns ErrIntegrityMismatch if the file at path does not hash
// to want.
func verifyFile(path string, want *enginedb.Digest) error {
	if want == nil {
		return ErrMissingDigest
	}
	got, err := FileDigest(path, want.Algo)
	if err != nil {
		return err
	}
	if !bytes.Equal(got.Sum, want.Sum) {
		return fmt.Errorf("%w: %s %x != %x", ErrIntegrityMismatch, want.Algo,
			got.Sum, want.Sum)
	}
	return nil
}
