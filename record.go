package kv_logcask

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
)

const (
	// lengthFieldSize is the width of both length prefixes and of the CRC
	// trailer.
	lengthFieldSize = 4

	// deletedFlag marks a tombstone. It lives in the high bit of the key
	// length field, so keys are capped at MaxKeySize bytes.
	deletedFlag uint32 = 1 << 31

	// MaxKeySize is the largest key a frame can describe.
	MaxKeySize = math.MaxInt32

	// frameOverhead is the number of non-payload bytes in every frame.
	frameOverhead = 3 * lengthFieldSize
)

var (
	// ErrMalformedRecord is returned when a record is missing its key or
	// value, or its key does not fit the length field.
	ErrMalformedRecord = errors.New("unacceptable record data")

	// ErrCorruptRecord is returned when a frame is truncated or its
	// checksum does not match.
	ErrCorruptRecord = errors.New("corrupt record data")
)

var byteOrder = binary.BigEndian

// Record is a single key/value/deletion unit of the log.
type Record struct {
	Key     []byte
	Value   []byte
	Deleted bool
}

// NewRecord returns a live record for key and value.
func NewRecord(key, value []byte) Record {
	return Record{Key: key, Value: value}
}

// NewTombstone returns a deletion record for key. Tombstones carry an empty
// payload.
func NewTombstone(key []byte) Record {
	return Record{Key: key, Value: []byte{}, Deleted: true}
}

// FrameSize reports the serialized size of a record with the given key and
// value lengths.
func FrameSize(keyLen, valueLen int) int {
	return frameOverhead + keyLen + valueLen
}

// Validate checks that the record can be serialized.
func (r Record) Validate() error {
	if r.Key == nil {
		return fmt.Errorf("%w: missing key", ErrMalformedRecord)
	}
	if r.Value == nil {
		return fmt.Errorf("%w: missing value", ErrMalformedRecord)
	}
	if len(r.Key) > MaxKeySize {
		return fmt.Errorf("%w: key of %d bytes exceeds %d",
			ErrMalformedRecord, len(r.Key), MaxKeySize)
	}
	if uint64(len(r.Value)) > math.MaxUint32 {
		return fmt.Errorf("%w: value of %d bytes is too large",
			ErrMalformedRecord, len(r.Value))
	}
	return nil
}

// MarshalBinary encodes the record as a single frame.
func (r Record) MarshalBinary() ([]byte, error) {
	return Serialize(r.Key, r.Value, r.Deleted)
}

// UnmarshalBinary decodes data, which must hold exactly one frame.
func (r *Record) UnmarshalBinary(data []byte) error {
	decoded, rest, err := Deserialize(data)
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return fmt.Errorf("%w: %d trailing bytes after frame",
			ErrCorruptRecord, len(rest))
	}
	*r = decoded
	return nil
}

// Serialize encodes key, value and the deletion flag as
//
//	keyLen|flag (4) || key || valueLen (4) || value || crc32 (4)
//
// with every integer big-endian and the checksum taken over all preceding
// bytes of the frame.
func Serialize(key, value []byte, deleted bool) ([]byte, error) {
	record := Record{Key: key, Value: value, Deleted: deleted}
	if err := record.Validate(); err != nil {
		return nil, err
	}
	return AppendFrame(make([]byte, 0, FrameSize(len(key), len(value))), record), nil
}

// AppendFrame appends the frame for an already validated record to dst.
func AppendFrame(dst []byte, r Record) []byte {
	start := len(dst)

	keyField := uint32(len(r.Key))
	if r.Deleted {
		keyField |= deletedFlag
	}

	dst = byteOrder.AppendUint32(dst, keyField)
	dst = append(dst, r.Key...)
	dst = byteOrder.AppendUint32(dst, uint32(len(r.Value)))
	dst = append(dst, r.Value...)

	return byteOrder.AppendUint32(dst, crc32.ChecksumIEEE(dst[start:]))
}

// Deserialize decodes the frame at the front of buf and returns it together
// with the unread remainder of buf. Key and value are copied out of buf.
func Deserialize(buf []byte) (Record, []byte, error) {
	offset := 0

	readLength := func(field string) (uint32, error) {
		if len(buf)-offset < lengthFieldSize {
			return 0, fmt.Errorf("%w: truncated %s length at offset %d",
				ErrCorruptRecord, field, offset)
		}
		length := byteOrder.Uint32(buf[offset:])
		offset += lengthFieldSize
		return length, nil
	}

	readBytes := func(field string, length uint32) ([]byte, error) {
		if uint64(len(buf)-offset) < uint64(length) {
			return nil, fmt.Errorf("%w: %s needs %d bytes, %d left",
				ErrCorruptRecord, field, length, len(buf)-offset)
		}
		out := make([]byte, length)
		copy(out, buf[offset:])
		offset += int(length)
		return out, nil
	}

	keyField, err := readLength("key")
	if err != nil {
		return Record{}, buf, err
	}
	deleted := keyField&deletedFlag != 0

	key, err := readBytes("key", keyField&^deletedFlag)
	if err != nil {
		return Record{}, buf, err
	}

	valueLen, err := readLength("value")
	if err != nil {
		return Record{}, buf, err
	}

	value, err := readBytes("value", valueLen)
	if err != nil {
		return Record{}, buf, err
	}

	body := offset
	stored, err := readLength("checksum")
	if err != nil {
		return Record{}, buf, err
	}

	if computed := crc32.ChecksumIEEE(buf[:body]); computed != stored {
		return Record{}, buf, fmt.Errorf("%w: checksum %08x, expected %08x",
			ErrCorruptRecord, computed, stored)
	}

	return Record{Key: key, Value: value, Deleted: deleted}, buf[offset:], nil
}
