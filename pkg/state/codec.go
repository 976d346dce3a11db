package state

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"github.com/goliatone/go-snapshot/layering"
)

// DefaultCompressionThreshold is the encoded size in bytes above which
// payloads are zstd compressed.
const DefaultCompressionThreshold = 1024

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

var (
	encoderPool = sync.Pool{
		New: func() any {
			encoder, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
			return encoder
		},
	}
	decoderPool = sync.Pool{
		New: func() any {
			decoder, _ := zstd.NewReader(nil)
			return decoder
		},
	}
	bufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 32*1024))
		},
	}
)

// Codec turns records into stored bytes. Payloads are compacted (null and
// empty entries dropped), JSON encoded and zstd compressed once they pass
// Threshold. The ETag is the xxhash of the compacted JSON, so it does not
// depend on compression.
type Codec struct {
	Threshold int
}

// NewCodec returns a codec using DefaultCompressionThreshold.
func NewCodec() *Codec {
	return &Codec{Threshold: DefaultCompressionThreshold}
}

// Encode returns the stored bytes and ETag for record.
func (c *Codec) Encode(record Record) ([]byte, string, error) {
	compacted, err := compactRecord(record)
	if err != nil {
		return nil, "", err
	}
	raw, err := json.Marshal(compacted)
	if err != nil {
		return nil, "", fmt.Errorf("state: encode %q: %w", record.ID, err)
	}
	etag := ETag(raw)
	if len(raw) < c.threshold() {
		return raw, etag, nil
	}
	compressed, err := compress(raw)
	if err != nil {
		return nil, "", fmt.Errorf("state: compress %q: %w", record.ID, err)
	}
	return compressed, etag, nil
}

// Decode reverses Encode. Uncompressed payloads are accepted as plain JSON.
func (c *Codec) Decode(payload []byte) (Record, error) {
	raw := payload
	if IsCompressed(payload) {
		out, err := decompress(payload)
		if err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
		}
		raw = out
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	return record, nil
}

func (c *Codec) threshold() int {
	if c == nil || c.Threshold <= 0 {
		return DefaultCompressionThreshold
	}
	return c.Threshold
}

// ETag hashes an encoded payload.
func ETag(raw []byte) string {
	return strconv.FormatUint(xxhash.Sum64(raw), 16)
}

// IsCompressed checks for the zstd frame magic.
func IsCompressed(payload []byte) bool {
	return len(payload) >= len(zstdMagic) && bytes.Equal(payload[:len(zstdMagic)], zstdMagic)
}

func compactRecord(record Record) (Record, error) {
	data, err := compactRaw(record.Data)
	if err != nil {
		return Record{}, fmt.Errorf("state: compact data of %q: %w", record.ID, err)
	}
	metadata, err := compactRaw(record.Metadata)
	if err != nil {
		return Record{}, fmt.Errorf("state: compact metadata of %q: %w", record.ID, err)
	}
	record.Data = data
	record.Metadata = metadata
	return record, nil
}

func compactRaw(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	value, _ = layering.Compact(value)
	if value == nil {
		return nil, nil
	}
	return json.Marshal(value)
}

func compress(raw []byte) ([]byte, error) {
	encoder, ok := encoderPool.Get().(*zstd.Encoder)
	if !ok || encoder == nil {
		var err error
		encoder, err = zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
	}
	defer encoderPool.Put(encoder)

	buffer := new(bytes.Buffer)
	buffer.Grow(len(raw))
	encoder.Reset(buffer)
	if _, err := encoder.Write(raw); err != nil {
		return nil, err
	}
	if err := encoder.Close(); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

func decompress(payload []byte) ([]byte, error) {
	decoder, ok := decoderPool.Get().(*zstd.Decoder)
	if !ok || decoder == nil {
		var err error
		decoder, err = zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
	}
	defer decoderPool.Put(decoder)

	buffer, _ := bufferPool.Get().(*bytes.Buffer)
	if buffer == nil {
		buffer = new(bytes.Buffer)
	}
	buffer.Reset()
	defer func() {
		if buffer.Cap() <= 1024*1024 {
			bufferPool.Put(buffer)
		}
	}()

	if err := decoder.Reset(bytes.NewReader(payload)); err != nil {
		return nil, err
	}
	if _, err := io.Copy(buffer, decoder); err != nil {
		return nil, err
	}
	out := make([]byte, buffer.Len())
	copy(out, buffer.Bytes())
	return out, nil
}
