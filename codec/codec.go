package codec

import (
	"bytes"
	"fmt"
	"io"
)

// Codec encodes and decodes one compression format.
type Codec interface {
	// Compression identifies the format.
	Compression() Compression

	// NewReader returns a reader producing the decoded payload of r.
	// uncompressedSize is the expected decoded length.
	NewReader(r io.Reader, uncompressedSize uint64) (io.ReadCloser, error)

	// Encode compresses data.
	Encode(data []byte) ([]byte, error)
}

var codecs = map[Compression]Codec{
	None:    rawCodec{},
	Deflate: newDeflateCodec(),
	LZMA:    lzmaCodec{},
}

// For returns the codec of c. Unknown values fall back to raw.
func For(c Compression) Codec {
	if cd, ok := codecs[c]; ok {
		return cd
	}
	return codecs[None]
}

// ForFlags returns the codec selected by a link's flags.
func ForFlags(flags int32) Codec {
	return For(FromFlags(flags))
}

// Decode returns the decoded payload of data. Compressed payloads must decode
// to exactly uncompressedSize bytes; raw payloads are returned verbatim.
func Decode(c Compression, data []byte, uncompressedSize uint64) ([]byte, error) {
	cd := For(c)
	if cd.Compression() == None {
		return data, nil
	}
	if uncompressedSize > maxDecodedSize {
		return nil, fmt.Errorf("%w: %s payload of %d bytes", ErrDecompression, c, uncompressedSize)
	}
	r, err := cd.NewReader(bytes.NewReader(data), uncompressedSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecompression, c, err)
	}
	defer r.Close()

	// The buffer grows with the decoded output rather than trusting the
	// recorded size up front. Reading one byte past the size checks stream
	// trailers and catches a recorded size that is too small.
	buf := bytes.NewBuffer(make([]byte, 0, initialCapacity(len(data), uncompressedSize)))
	n, err := io.Copy(buf, io.LimitReader(r, int64(uncompressedSize)+1)) //nolint:gosec // bounded by maxDecodedSize
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecompression, c, err)
	}
	switch {
	case uint64(n) > uncompressedSize:
		return nil, fmt.Errorf("%w: %s payload exceeds %d bytes", ErrDecompression, c, uncompressedSize)
	case uint64(n) < uncompressedSize:
		return nil, fmt.Errorf("%w: %s: %d of %d bytes: %w", ErrDecompression, c, n, uncompressedSize, io.ErrUnexpectedEOF)
	}
	return buf.Bytes(), nil
}

// initialCapacity guesses the decoded size from the payload size, capped by
// the recorded size.
func initialCapacity(payload int, uncompressedSize uint64) int {
	guess := max(uint64(payload)*initialRatio, minInitialCapacity) //nolint:gosec // payload is a slice length
	return int(min(guess, uncompressedSize)) //nolint:gosec // bounded by maxDecodedSize
}

// Encode compresses data with c.
func Encode(c Compression, data []byte) ([]byte, error) {
	return For(c).Encode(data)
}

const (
	// maxDecodedSize bounds a single decoded payload.
	maxDecodedSize = 1 << 34

	initialRatio       = 4
	minInitialCapacity = 64 << 10
)

type rawCodec struct{}

func (rawCodec) Compression() Compression { return None }

func (rawCodec) NewReader(r io.Reader, _ uint64) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

func (rawCodec) Encode(data []byte) ([]byte, error) {
	return data, nil
}
