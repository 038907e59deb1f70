package engineintf

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// IdentityID is the id of a cryptographic identity, owned by the local user or
// by one of its contacts.
type IdentityID [32]byte

func (id IdentityID) String() string {
	return hex.EncodeToString(id[:])
}

// IsEmpty returns true if the id is all zeroes.
func (id IdentityID) IsEmpty() bool {
	return id == IdentityID{}
}

// ParseIdentityID decodes a hex-encoded identity id.
func ParseIdentityID(s string) (IdentityID, error) {
	var id IdentityID
	if err := decodeHex32(id[:], s); err != nil {
		return id, fmt.Errorf("invalid identity id: %w", err)
	}
	return id, nil
}

// UID is a random 32 byte identifier. It is used for protocol instances,
// received messages and server-side message ids.
type UID [32]byte

func (uid UID) String() string {
	return hex.EncodeToString(uid[:])
}

// ShortString returns a prefix of the uid, useful for logging.
func (uid UID) ShortString() string {
	return hex.EncodeToString(uid[:8])
}

// ParseUID decodes a hex-encoded uid.
func ParseUID(s string) (UID, error) {
	var uid UID
	if err := decodeHex32(uid[:], s); err != nil {
		return uid, fmt.Errorf("invalid uid: %w", err)
	}
	return uid, nil
}

// RandomUID reads a new uid from r.
func RandomUID(r io.Reader) (UID, error) {
	var uid UID
	_, err := io.ReadFull(r, uid[:])
	return uid, err
}

func decodeHex32(dst []byte, s string) error {
	if hex.DecodedLen(len(s)) != 32 {
		return errors.New("wrong length")
	}
	_, err := hex.Decode(dst, []byte(s))
	return err
}

// ProtocolID identifies one protocol of the catalog.
type ProtocolID uint16

func (pid ProtocolID) String() string {
	return strconv.FormatUint(uint64(pid), 10)
}

// MessageKey is the identity of a received protocol message.
type MessageKey struct {
	Owned IdentityID
	UID   UID
}

func (k MessageKey) String() string {
	return k.Owned.String()[:16] + "/" + k.UID.String()
}

// InstanceKey is the identity of a protocol instance.
type InstanceKey struct {
	Protocol ProtocolID
	Instance UID
	Owned    IdentityID
}

func (k InstanceKey) String() string {
	return fmt.Sprintf("%d/%s/%s", k.Protocol, k.Instance.ShortString(),
		k.Owned.String()[:16])
}

// AttachmentID is the identity of an inbound attachment: the server-side uid
// of the message that announced it plus the attachment's position in that
// message.
type AttachmentID struct {
	Message UID
	Number  uint32
}

func (id AttachmentID) String() string {
	return id.Message.String() + "/" + strconv.FormatUint(uint64(id.Number), 10)
}

// Bytes returns the binary encoding of the id.
func (id AttachmentID) Bytes() []byte {
	b := make([]byte, 36)
	copy(b, id.Message[:])
	binary.BigEndian.PutUint32(b[32:], id.Number)
	return b
}

// ParseAttachmentID decodes an id in the "<message uid>/<number>" format.
func ParseAttachmentID(s string) (AttachmentID, error) {
	var id AttachmentID
	msg, num, ok := strings.Cut(s, "/")
	if !ok {
		return id, fmt.Errorf("attachment id %q is not in msg/number format", s)
	}
	var err error
	if id.Message, err = ParseUID(msg); err != nil {
		return id, err
	}
	n, err := strconv.ParseUint(num, 10, 32)
	if err != nil {
		return id, fmt.Errorf("invalid attachment number: %w", err)
	}
	id.Number = uint32(n)
	return id, nil
}
