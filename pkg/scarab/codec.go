// Package scarab implements the 64-bit identifier codecs and the ID
// generator. A Scarab ID packs a 41-bit wall-clock millisecond timestamp, a
// 10-bit coordinator shard id and a 13-bit sequence number. An EpochOffset
// (LSN) packs a 32-bit epoch over a 32-bit offset. Both are encoded on the
// wire as fixed 8-byte big-endian integers so byte order equals numeric
// order for downstream sorters.
package scarab

import (
	"encoding/binary"
	"errors"
)

const (
	// Bit layout of a Scarab ID: timestamp(41) | shard(10) | sequence(13).
	TimestampBits = 41
	ShardBits     = 10
	SequenceBits  = 13

	shardShift     = SequenceBits
	timestampShift = SequenceBits + ShardBits

	// MaxShardID is the largest addressable shard (10 bits).
	MaxShardID = 1<<ShardBits - 1

	// SequenceMask wraps the sequence component (13 bits). Sequences at or
	// above 8192 wrap by construction; this is documented behavior, not an
	// error, because uniqueness is carried by the timestamp advancing.
	SequenceMask = 1<<SequenceBits - 1

	timestampMask = 1<<TimestampBits - 1
)

// ErrInvalidShard reports a shard id outside the 10-bit space. This is a
// caller contract violation and is never retried.
var ErrInvalidShard = errors.New("scarab: shard id out of range (max 1023)")

// EncodeID packs a Scarab ID. The timestamp is masked to 41 bits and the
// sequence wraps modulo 8192; a shard id >= 1024 fails with ErrInvalidShard.
func EncodeID(timestampMs uint64, shardID uint16, sequence uint16) (uint64, error) {
	if shardID > MaxShardID {
		return 0, ErrInvalidShard
	}
	return (timestampMs&timestampMask)<<timestampShift |
		uint64(shardID)<<shardShift |
		uint64(sequence&SequenceMask), nil
}

// DecodeID unpacks a Scarab ID. Total function: any input decodes to a
// well-defined triple.
func DecodeID(id uint64) (timestampMs uint64, shardID uint16, sequence uint16) {
	timestampMs = id >> timestampShift
	shardID = uint16(id >> shardShift & MaxShardID)
	sequence = uint16(id & SequenceMask)
	return
}

// EncodeEpochOffset packs an epoch and an offset into one LSN.
func EncodeEpochOffset(epoch, offset uint32) uint64 {
	return uint64(epoch)<<32 | uint64(offset)
}

// DecodeEpochOffset unpacks an LSN into its epoch and offset halves.
func DecodeEpochOffset(lsn uint64) (epoch, offset uint32) {
	return uint32(lsn >> 32), uint32(lsn)
}

// WireBytes returns the fixed 8-byte big-endian encoding shared by Scarab
// IDs and LSNs.
func WireBytes(v uint64) [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b
}

// FromWireBytes decodes the fixed 8-byte big-endian encoding.
func FromWireBytes(b [8]byte) uint64 {
	return binary.BigEndian.Uint64(b[:])
}
