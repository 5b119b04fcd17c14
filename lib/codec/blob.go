// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	blobRaw  byte = 0x00
	blobZstd byte = 0x01

	// compressThreshold is the smallest encoding worth compressing.
	compressThreshold = 256
)

// maxBlobSize bounds decompressed blobs so a corrupt row cannot
// exhaust memory.
const maxBlobSize = 64 << 20

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBlobSize))
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// MarshalBlob encodes v as CBOR behind a one-byte header, compressing
// with zstd when that makes the result smaller.
func MarshalBlob(v any) ([]byte, error) {
	encoded, err := Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal blob: %w", err)
	}
	if len(encoded) >= compressThreshold {
		compressed := zstdEncoder.EncodeAll(encoded, []byte{blobZstd})
		if len(compressed) < len(encoded)+1 {
			return compressed, nil
		}
	}
	blob := make([]byte, 0, len(encoded)+1)
	blob = append(blob, blobRaw)
	return append(blob, encoded...), nil
}

// UnmarshalBlob reverses MarshalBlob.
func UnmarshalBlob(blob []byte, v any) error {
	if len(blob) == 0 {
		return errors.New("codec: unmarshal blob: empty")
	}
	payload := blob[1:]
	switch blob[0] {
	case blobRaw:
	case blobZstd:
		decompressed, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return fmt.Errorf("codec: unmarshal blob: zstd: %w", err)
		}
		payload = decompressed
	default:
		return fmt.Errorf("codec: unmarshal blob: unknown header byte 0x%02x", blob[0])
	}
	if err := Unmarshal(payload, v); err != nil {
		return fmt.Errorf("codec: unmarshal blob: %w", err)
	}
	return nil
}
