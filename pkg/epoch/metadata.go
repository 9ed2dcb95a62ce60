package epoch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	metadataFile = "epoch.meta"
)

// Metadata is the locally persisted record of what this node believes about
// a partition. The authoritative copy of the epoch number lives in the
// consensus log; this record lets a restarted node find its last epoch and
// decide whether to resume with last+1.
type Metadata struct {
	CurrentEpoch    uint64  `msgpack:"current_epoch"`
	OwnerNodeID     string  `msgpack:"owner_node_id"`
	StartOffset     uint32  `msgpack:"start_offset"`
	Sealed          bool    `msgpack:"sealed"`
	LastKnownOffset *uint32 `msgpack:"last_known_offset"`
}

// counterFile names the offset counter for one epoch. One file per epoch:
// a fresh epoch always counts from a fresh (zero-length) file, so offsets
// restart from StartOffset with no carry-over from the previous writer.
func counterFile(partitionDir string, epoch uint64) string {
	return filepath.Join(partitionDir, fmt.Sprintf("epoch-%010d.offsets", epoch))
}

// writeMetadata persists the record atomically: encode, write to a temp
// file, fsync, rename over the live file. A torn write can never corrupt
// the previous record.
func writeMetadata(partitionDir string, meta Metadata) error {
	data, err := msgpack.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("encode epoch metadata: %w", err)
	}

	tmp := filepath.Join(partitionDir, metadataFile+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create metadata temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync metadata: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close metadata: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(partitionDir, metadataFile)); err != nil {
		return fmt.Errorf("rename metadata into place: %w", err)
	}
	return nil
}

// readMetadata loads the persisted record. os.IsNotExist on the returned
// error distinguishes a never-activated partition.
func readMetadata(partitionDir string) (Metadata, error) {
	data, err := os.ReadFile(filepath.Join(partitionDir, metadataFile))
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := msgpack.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("decode epoch metadata: %w", err)
	}
	return meta, nil
}
