package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

// Remote entries are framed as a fixed header followed by the payload bytes,
// raw or zstd-compressed:
//
//	version(1) flags(1) created_ms(8) expires_ms(8) size(4) data(...)
const (
	frameVersion   byte = 1
	frameHeaderLen      = 22

	flagCompressed byte = 1 << 0

	// maxPayloadSize bounds what the remote tier stores and what a frame
	// may claim to decompress to.
	maxPayloadSize = 32 << 20
)

var errMalformedEnvelope = errors.New("cache: malformed remote envelope")

// envelope is the decoded header of a remote entry.
type envelope struct {
	Compressed bool
	CreatedAt  int64 // unix millis
	ExpiresAt  int64 // unix millis
	Size       int   // uncompressed payload size
}

func (e envelope) expired(now time.Time) bool {
	return e.ExpiresAt > 0 && now.UnixMilli() >= e.ExpiresAt
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPayloadSize))
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// encodeValue serializes a caller value into the payload shared by all tiers.
func encodeValue(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cache value: %w", err)
	}
	return data, nil
}

// decodeValue fills dest from a payload.
func decodeValue(data []byte, dest any) error {
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal cache value: %w", err)
	}
	return nil
}

// checkDestination rejects destinations that cannot be decoded into.
func checkDestination(dest any) error {
	rv := reflect.ValueOf(dest)
	if dest == nil || rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("%w: %T", ErrInvalidDestination, dest)
	}
	return nil
}

// wrap frames payload for the remote tier, compressing it when compression is
// enabled and the payload is above threshold.
func wrap(payload []byte, ttl time.Duration, compress bool, threshold int, now time.Time) ([]byte, error) {
	if len(payload) > maxPayloadSize {
		return nil, fmt.Errorf("cache value of %d bytes exceeds the remote limit of %d", len(payload), maxPayloadSize)
	}

	env := envelope{CreatedAt: now.UnixMilli(), Size: len(payload)}
	if ttl > 0 {
		env.ExpiresAt = now.Add(ttl).UnixMilli()
	}

	data := payload
	if compress && len(payload) > threshold {
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, fmt.Errorf("failed to init zstd: %w", err)
		}
		data = enc.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		env.Compressed = true
	}

	frame := make([]byte, frameHeaderLen, frameHeaderLen+len(data))
	frame[0] = frameVersion
	if env.Compressed {
		frame[1] = flagCompressed
	}
	binary.BigEndian.PutUint64(frame[2:10], uint64(env.CreatedAt))
	binary.BigEndian.PutUint64(frame[10:18], uint64(env.ExpiresAt))
	binary.BigEndian.PutUint32(frame[18:22], uint32(env.Size))
	return append(frame, data...), nil
}

// unwrap parses a remote frame and returns the uncompressed payload. Frames
// that are truncated, oversized or inconsistent with their header are
// rejected with errMalformedEnvelope.
func unwrap(raw []byte) (envelope, []byte, error) {
	var env envelope
	if len(raw) < frameHeaderLen || raw[0] != frameVersion {
		return env, nil, fmt.Errorf("%w: bad header", errMalformedEnvelope)
	}
	env.Compressed = raw[1]&flagCompressed != 0
	env.CreatedAt = int64(binary.BigEndian.Uint64(raw[2:10]))
	env.ExpiresAt = int64(binary.BigEndian.Uint64(raw[10:18]))
	size := binary.BigEndian.Uint32(raw[18:22])
	if size > maxPayloadSize {
		return env, nil, fmt.Errorf("%w: declared size %d", errMalformedEnvelope, size)
	}
	env.Size = int(size)
	data := raw[frameHeaderLen:]

	if !env.Compressed {
		if len(data) != env.Size {
			return env, nil, fmt.Errorf("%w: size %d, have %d bytes", errMalformedEnvelope, env.Size, len(data))
		}
		return env, data, nil
	}

	_, dec, err := zstdCodecs()
	if err != nil {
		return env, nil, fmt.Errorf("failed to init zstd: %w", err)
	}
	payload, err := dec.DecodeAll(data, make([]byte, 0, env.Size))
	if err != nil {
		return env, nil, fmt.Errorf("%w: failed to decompress payload: %v", errMalformedEnvelope, err)
	}
	if len(payload) != env.Size {
		return env, nil, fmt.Errorf("%w: size %d, decompressed %d bytes", errMalformedEnvelope, env.Size, len(payload))
	}
	return env, payload, nil
}
