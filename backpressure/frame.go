// Package backpressure implements the bounded three-tier buffer between
// the protocol clients and a sink: a memory ring, an encrypted on-disk
// FIFO spool, and a dead-letter queue sharing the spool's frame format.
package backpressure

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"otbridge.evalgo.org/credentials"
	"otbridge.evalgo.org/model"
)

// maxFrameSize bounds a single framed record; anything larger is treated
// as corruption rather than allocated.
const maxFrameSize = 16 << 20

// frameOverhead approximates the on-disk cost beyond the plaintext: length
// prefix, GCM nonce and auth tag, CRC.
const frameOverhead = 4 + 12 + 16 + 4

var (
	// ErrFrameCorrupt marks a frame whose authentication or checksum
	// failed. A corrupt frame in the middle of the spool is unrecoverable.
	ErrFrameCorrupt = errors.New("corrupt spool frame")
	// errFrameTruncated marks a partially written tail frame, repaired by
	// truncation during recovery.
	errFrameTruncated = errors.New("truncated spool frame")
)

// envelope is the plaintext carried inside a frame. Reason is set only for
// dead-letter entries.
type envelope struct {
	Record model.Record `json:"record"`
	Reason string       `json:"reason,omitempty"`
}

// encodeFrame seals an envelope into its wire form:
// [4-byte big-endian length][nonce||ciphertext||auth tag] where the
// plaintext is [4-byte CRC32][envelope JSON].
func encodeFrame(key []byte, env envelope) ([]byte, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode spool envelope: %w", err)
	}

	plain := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(plain, crc32.ChecksumIEEE(payload))
	copy(plain[4:], payload)
	defer credentials.Zero(plain)

	sealed, err := credentials.Encrypt(key, plain)
	if err != nil {
		return nil, fmt.Errorf("failed to seal spool frame: %w", err)
	}

	frame := make([]byte, 4+len(sealed))
	binary.BigEndian.PutUint32(frame, uint32(len(sealed)))
	copy(frame[4:], sealed)
	return frame, nil
}

// readFrame reads and opens one frame from r. io.EOF means a clean end of
// data, errFrameTruncated a partial tail, ErrFrameCorrupt an
// authentication or checksum failure.
func readFrame(r io.Reader, key []byte) (envelope, int64, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return envelope{}, 0, io.EOF
		}
		return envelope{}, 0, errFrameTruncated
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size == 0 || size > maxFrameSize {
		return envelope{}, 0, ErrFrameCorrupt
	}

	sealed := make([]byte, size)
	if _, err := io.ReadFull(r, sealed); err != nil {
		return envelope{}, 0, errFrameTruncated
	}

	plain, err := credentials.Decrypt(key, sealed)
	if err != nil {
		return envelope{}, 0, ErrFrameCorrupt
	}
	defer credentials.Zero(plain)

	if len(plain) < 4 {
		return envelope{}, 0, ErrFrameCorrupt
	}
	payload := plain[4:]
	if crc32.ChecksumIEEE(payload) != binary.BigEndian.Uint32(plain) {
		return envelope{}, 0, ErrFrameCorrupt
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return envelope{}, 0, ErrFrameCorrupt
	}
	return env, int64(4 + size), nil
}

// skipFrame advances past one frame without decrypting, returning its
// total size. Used for counting and recovery scans.
func skipFrame(r io.Reader) (int64, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return 0, io.EOF
		}
		return 0, errFrameTruncated
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size == 0 || size > maxFrameSize {
		return 0, ErrFrameCorrupt
	}
	if _, err := io.CopyN(io.Discard, r, int64(size)); err != nil {
		return 0, errFrameTruncated
	}
	return int64(4 + size), nil
}
