package enginedb

import (
	"context"
	"encoding/binary"
	"fmt"
)

// currentVersion is the version of the record layout written by this code.
const currentVersion = 1

const versionMetaKey = "version"

// ErrNewerVersion indicates the store was written by a newer version of the
// software.
const ErrNewerVersion = ErrorKind("ErrNewerVersion")

// performUpgrades initializes the version of a new store and refuses to open
// stores written by a newer version.
func (db *DB) performUpgrades(ctx context.Context) error {
	key := metaKey(versionMetaKey)
	v, found, err := db.be.Get(ctx, key)
	if err != nil {
		str := fmt.Sprintf("unable to read store version: %v", err)
		return contextError(ErrBackendGet, str, err)
	}

	var version uint32
	if found {
		if len(v) != 4 {
			str := fmt.Sprintf("invalid store version %x", v)
			return contextError(ErrDecode, str, nil)
		}
		version = binary.BigEndian.Uint32(v)
	}

	switch {
	case version > currentVersion:
		str := fmt.Sprintf("store version %d is newer than supported version %d",
			version, currentVersion)
		return contextError(ErrNewerVersion, str, nil)

	case version == currentVersion:
		return nil
	}

	// Version 0 is an empty store. Future layout changes are applied here
	// one version at a time.
	b := new(Batch)
	b.Put(key, binary.BigEndian.AppendUint32(nil, currentVersion))
	if err := db.be.Commit(ctx, b); err != nil {
		str := fmt.Sprintf("unable to write store version: %v", err)
		return contextError(ErrBackendCommit, str, err)
	}
	db.log.Infof("Initialized store at version %d", currentVersion)
	return nil
}

// Version returns the layout version of the store.
func (db *DB) Version(tx ReadTx) (uint32, error) {
	v, found, err := tx.kv().get(metaKey(versionMetaKey))
	if err != nil || !found {
		return 0, err
	}
	if len(v) != 4 {
		return 0, contextError(ErrDecode, fmt.Sprintf("invalid store version %x", v), nil)
	}
	return binary.BigEndian.Uint32(v), nil
}
