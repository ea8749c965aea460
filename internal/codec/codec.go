// Package codec is the reference implementation of the Compression
// collaborator contract. The real codec is an external plugin; this
// package exists so Ballistic Read's decompression step is exercisable
// end-to-end in tests without one. TCC is backed by pierrec/lz4.
package codec

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v4"

	"github.com/cardinalfs/cardinal/internal/enginerr"
	"github.com/cardinalfs/cardinal/internal/types"
)

// Decompress expands input according to algo into at most outCap bytes
// and returns the decompressed bytes. Short output is the caller's
// responsibility to zero-pad.
func Decompress(algo types.CompressionAlgo, input []byte, outCap int) ([]byte, error) {
	switch algo {
	case types.CompressionNone:
		if len(input) > outCap {
			return nil, enginerr.New(enginerr.CodeDecompressFail, "codec.decompress")
		}
		return input, nil
	case types.CompressionTCC:
		r := lz4.NewReader(bytes.NewReader(input))
		out := make([]byte, outCap)
		n, err := io.ReadFull(r, out)
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, enginerr.Wrap(enginerr.CodeDecompressFail, "codec.decompress", err)
		}
		return out[:n], nil
	default:
		return nil, enginerr.New(enginerr.CodeAlgoUnknown, "codec.decompress")
	}
}

// Compress is the inverse of Decompress, for writers that store payloads
// compressed.
func Compress(algo types.CompressionAlgo, input []byte) ([]byte, error) {
	switch algo {
	case types.CompressionNone:
		return input, nil
	case types.CompressionTCC:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(input); err != nil {
			return nil, enginerr.Wrap(enginerr.CodeDecompressFail, "codec.compress", err)
		}
		if err := w.Close(); err != nil {
			return nil, enginerr.Wrap(enginerr.CodeDecompressFail, "codec.compress", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, enginerr.New(enginerr.CodeAlgoUnknown, "codec.compress")
	}
}
