// Package codec decodes status payloads: content-encoding decompression, JSON and
// JSON-schema-validated JSON.
package codec

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	snappy "github.com/segmentio/kafka-go/compress/snappy/go-xerial-snappy"

	"github.com/shogotsuneto/go-async-command"
)

// Attributes carrying the content encoding of a record body, in lookup order.
const (
	IoTHubContentEncodingAttribute = "iothub-content-encoding"
	ContentEncodingAttribute       = "content-encoding"
)

// MaxDecompressedSize bounds the size of a decompressed record body.
const MaxDecompressedSize = 4 << 20

// ErrBodyTooLarge is returned when a body decompresses beyond MaxDecompressedSize.
var ErrBodyTooLarge = fmt.Errorf("decompressed body exceeds %d bytes", MaxDecompressedSize)

// ContentEncoding returns the declared body encoding of rec, lower-cased.
func ContentEncoding(rec asynccmd.Record) string {
	for _, key := range []string{IoTHubContentEncodingAttribute, ContentEncodingAttribute} {
		if v, ok := rec.Attribute(key); ok && v != "" {
			return strings.ToLower(strings.TrimSpace(v))
		}
	}
	return ""
}

// Compress encodes data with the named encoding.
func Compress(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "gzip":
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(data); err != nil {
			return nil, err
		}
		if err := gw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	case "snappy":
		return snappy.Encode(data), nil

	case "lz4":
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	case "zstd":
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil

	case "identity", "none", "utf-8", "":
		return data, nil

	default:
		return nil, fmt.Errorf("unsupported content encoding: %s", encoding)
	}
}

// Decompress decodes data encoded with the named encoding.
// Output larger than MaxDecompressedSize fails with ErrBodyTooLarge.
func Decompress(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "gzip":
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		return readLimited(gr)

	case "snappy":
		out, err := snappy.Decode(data)
		if err != nil {
			return nil, err
		}
		if len(out) > MaxDecompressedSize {
			return nil, ErrBodyTooLarge
		}
		return out, nil

	case "lz4":
		return readLimited(lz4.NewReader(bytes.NewReader(data)))

	case "zstd":
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(MaxDecompressedSize))
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, nil)
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) || len(out) > MaxDecompressedSize {
			return nil, ErrBodyTooLarge
		}
		return out, err

	case "identity", "none", "utf-8", "":
		return data, nil

	default:
		return nil, fmt.Errorf("unsupported content encoding: %s", encoding)
	}
}

func readLimited(r io.Reader) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, MaxDecompressedSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > MaxDecompressedSize {
		return nil, ErrBodyTooLarge
	}
	return out, nil
}

// Decompressing wraps next so that it sees record bodies after content decoding.
// A nil next exposes the decompressed body as a string.
func Decompressing(next asynccmd.Decoder) asynccmd.Decoder {
	if next == nil {
		next = asynccmd.RawDecoder
	}
	return asynccmd.DecoderFunc(func(rec asynccmd.Record) (asynccmd.Payload, error) {
		body, err := Decompress(rec.Body, ContentEncoding(rec))
		if err != nil {
			return asynccmd.Payload{}, err
		}
		rec.Body = body
		return next.Decode(rec)
	})
}
