package bitcodec

import (
	"errors"
	"math/bits"

	"github.com/mrjoshuak/go-rip/internal/bio"
)

var (
	// errCorruptSymbol is returned when a 12-bit prefix does not match
	// any entry of the fixed Huffman table.
	errCorruptSymbol = errors.New("bitcodec: corrupt huffman prefix")
	// ErrOverflow is returned by Compress when the caller's maxBytes
	// budget is exceeded; the destination is left in an unspecified but
	// never-overrun state.
	ErrOverflow = errors.New("bitcodec: output exceeds maxBytes")
)

// bitWriter is the subset of bio.Writer used by the Huffman encoder.
type bitWriter interface {
	WriteBits(val uint32, n uint) error
}

// bitPeeker is the subset of bio.SliceReader used by the Huffman decoder.
type bitPeeker interface {
	PeekBits(n uint) (val uint32, got uint, err error)
	Discard(n uint) error
}

// Compress encodes width*height samples (row-major) of the given style
// into dst, returning the number of bytes written. It returns
// (-1, ErrOverflow) if the encoding would exceed maxBytes: the caller's
// buffer is never overrun.
func Compress(style Style, samples []float32, width, height int, dst []byte, maxBytes int) (int, error) {
	if len(samples) != width*height {
		return -1, errors.New("bitcodec: samples length does not match width*height")
	}
	if maxBytes < 4 {
		return -1, ErrOverflow
	}

	dst[0] = byte(style)
	cw := bio.NewCountingWriter(dst[1:], maxBytes-1)

	for y := 0; y < height; y++ {
		var prev uint32
		for x := 0; x < width; x++ {
			val := normalize(style, samples[y*width+x])
			diff := prev ^ val
			k := uint(bits.Len32(diff))
			if k > 31 {
				return -1, errors.New("bitcodec: delta exceeds representable magnitude")
			}
			if err := encodeSymbol(cw, k); err != nil {
				return -1, ErrOverflow
			}
			if k > 0 {
				if err := cw.WriteBits(diff, k); err != nil {
					return -1, ErrOverflow
				}
			}
			prev = val
		}
	}
	if err := cw.Flush(); err != nil {
		return -1, ErrOverflow
	}
	return 1 + cw.Len(), nil
}

// Decompress inverts Compress, returning width*height samples. It returns
// an error unless exactly len(src) bytes are consumed.
func Decompress(src []byte, width, height int) ([]float32, error) {
	if len(src) < 1 {
		return nil, errors.New("bitcodec: empty input")
	}
	style := Style(src[0])
	r := bio.NewSliceReader(src[1:])

	out := make([]float32, width*height)
	for y := 0; y < height; y++ {
		var prev uint32
		for x := 0; x < width; x++ {
			k, err := decodeSymbol(r)
			if err != nil {
				return nil, err
			}
			var diff uint32
			if k > 0 {
				diff, err = r.ReadBits(k)
				if err != nil {
					return nil, err
				}
			}
			val := prev ^ diff
			out[y*width+x] = denormalize(style, val)
			prev = val
		}
	}

	consumedBits := r.BitsRead()
	consumedBytes := 1 + int((consumedBits+7)/8)
	if consumedBytes != len(src) {
		return nil, errors.New("bitcodec: trailing or missing bytes after decode")
	}
	return out, nil
}
