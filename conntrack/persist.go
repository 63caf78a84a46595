package conntrack

import (
	"encoding/gob"
	"os"

	"github.com/pkg/errors"
)

// SnapshotFileName is the name of the pinned-table file written under
// the config directory, so a reload does not lose tracked-flow state.
const SnapshotFileName = "ct-table.gob"

// SaveSnapshot writes t's current entries to path as a gob stream.
func SaveSnapshot(t *Table, path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s for writing", path)
	}
	defer f.Close()

	if err := gob.NewEncoder(f).Encode(t.Snapshot()); err != nil {
		return errors.Wrapf(err, "failed to encode connection-tracking snapshot to %s", path)
	}
	return nil
}

// LoadSnapshot reads entries previously written by SaveSnapshot into
// t. A missing file is not an error: it means the core is starting
// cold, not resuming.
func LoadSnapshot(t *Table, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "failed to open %s for reading", path)
	}
	defer f.Close()

	var snaps []KeyedSnapshot
	if err := gob.NewDecoder(f).Decode(&snaps); err != nil {
		return errors.Wrapf(err, "failed to decode connection-tracking snapshot from %s", path)
	}
	t.Restore(snaps)
	return nil
}
