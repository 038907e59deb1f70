package enginedb

import (
	"encoding/binary"
	"time"

	"github.com/companyzero/inboxengine/engineintf"
)

// Key prefixes. Every record kind lives under its own prefix so that a prefix
// scan never crosses kinds.
var (
	prefixAttachment  = []byte("att/")
	prefixChunk       = []byte("chk/")
	prefixSession     = []byte("ses/")
	prefixSessionByID = []byte("sid/")
	prefixMessage     = []byte("rmsg/")
	prefixMessageTS   = []byte("rmts/")
	prefixMessageInst = []byte("rmin/")
	prefixInstance    = []byte("pi/")
	prefixLinkChild   = []byte("lnkc/")
	prefixLinkParent  = []byte("lnkp/")
	prefixMeta        = []byte("meta/")
)

type keyBuilder []byte

func newKey(prefix []byte, sizeHint int) keyBuilder {
	k := make(keyBuilder, 0, len(prefix)+sizeHint)
	return append(k, prefix...)
}

func (k keyBuilder) bytes(b []byte) keyBuilder { return append(k, b...) }
func (k keyBuilder) u16(v uint16) keyBuilder   { return binary.BigEndian.AppendUint16(k, v) }
func (k keyBuilder) u32(v uint32) keyBuilder   { return binary.BigEndian.AppendUint32(k, v) }
func (k keyBuilder) u64(v uint64) keyBuilder   { return binary.BigEndian.AppendUint64(k, v) }

// ts encodes t so that keys sort in chronological order. Times before the
// unix epoch are clamped to it.
func (k keyBuilder) ts(t time.Time) keyBuilder {
	n := t.UnixNano()
	if n < 0 {
		n = 0
	}
	return k.u64(uint64(n))
}

func attachmentKey(id engineintf.AttachmentID) []byte {
	return newKey(prefixAttachment, 36).bytes(id.Bytes())
}

func chunksPrefix(id engineintf.AttachmentID) []byte {
	return newKey(prefixChunk, 36).bytes(id.Bytes())
}

func chunkKey(id engineintf.AttachmentID, n uint32) []byte {
	return keyBuilder(chunksPrefix(id)).u32(n)
}

func sessionKey(id engineintf.AttachmentID) []byte {
	return newKey(prefixSession, 36).bytes(id.Bytes())
}

func sessionByIDKey(sid []byte) []byte {
	return newKey(prefixSessionByID, len(sid)).bytes(sid)
}

func messageKey(k engineintf.MessageKey) []byte {
	return newKey(prefixMessage, 64).bytes(k.Owned[:]).bytes(k.UID[:])
}

func messageTSPrefix(owned engineintf.IdentityID) []byte {
	return newKey(prefixMessageTS, 32).bytes(owned[:])
}

func messageTSKey(k engineintf.MessageKey, uploaded time.Time) []byte {
	return keyBuilder(messageTSPrefix(k.Owned)).ts(uploaded).bytes(k.UID[:])
}

func messageInstPrefix(owned engineintf.IdentityID, inst engineintf.UID) []byte {
	return newKey(prefixMessageInst, 64).bytes(owned[:]).bytes(inst[:])
}

func messageInstKey(k engineintf.MessageKey, inst engineintf.UID) []byte {
	return keyBuilder(messageInstPrefix(k.Owned, inst)).bytes(k.UID[:])
}

func instancesOfUIDPrefix(owned engineintf.IdentityID, inst engineintf.UID) []byte {
	return newKey(prefixInstance, 66).bytes(owned[:]).bytes(inst[:])
}

func instanceKey(k engineintf.InstanceKey) []byte {
	return keyBuilder(instancesOfUIDPrefix(k.Owned, k.Instance)).u16(uint16(k.Protocol))
}

func linksOfChildPrefix(owned engineintf.IdentityID, child engineintf.UID) []byte {
	return newKey(prefixLinkChild, 64).bytes(owned[:]).bytes(child[:])
}

func linksWaitingOnPrefix(owned engineintf.IdentityID, child engineintf.UID, state uint16) []byte {
	return keyBuilder(linksOfChildPrefix(owned, child)).u16(state)
}

func linkChildKey(l *ProtocolLink) []byte {
	return keyBuilder(linksWaitingOnPrefix(l.Child.Owned, l.Child.Instance, l.ChildState)).
		u16(uint16(l.Parent.Protocol)).bytes(l.Parent.Instance[:])
}

func linksOfParentPrefix(owned engineintf.IdentityID, parent engineintf.UID) []byte {
	return newKey(prefixLinkParent, 64).bytes(owned[:]).bytes(parent[:])
}

func linkParentKey(l *ProtocolLink) []byte {
	return keyBuilder(linksOfParentPrefix(l.Child.Owned, l.Parent.Instance)).
		bytes(l.Child.Instance[:]).u16(l.ChildState).u16(uint16(l.Parent.Protocol))
}

func metaKey(name string) []byte {
	return newKey(prefixMeta, len(name)).bytes([]byte(name))
}
