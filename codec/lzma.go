package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ulikunitz/xz/lzma"
)

const (
	// lzmaPropsSize is the properties and dictionary size prefix.
	lzmaPropsSize = 5
	// lzmaHeaderSize is the classic header: properties plus a 64-bit size.
	lzmaHeaderSize = lzmaPropsSize + 8
	// lzmaMaxProps bounds the lc/lp/pb byte: (pb*5+lp)*9+lc < 9*5*5.
	lzmaMaxProps = 9 * 5 * 5
)

var errShortLZMA = errors.New("lzma payload shorter than its properties")

// lzmaCodec stores the properties prefix followed by the raw stream. The
// decoded size comes from the file link rather than the payload, so the
// classic header is rebuilt on read and stripped on write.
type lzmaCodec struct{}

func (lzmaCodec) Compression() Compression { return LZMA }

func (lzmaCodec) NewReader(r io.Reader, uncompressedSize uint64) (io.ReadCloser, error) {
	var hdr [lzmaHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:lzmaPropsSize]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errShortLZMA
		}
		return nil, err
	}
	if hdr[0] >= lzmaMaxProps {
		return nil, fmt.Errorf("lzma properties byte %#02x", hdr[0])
	}
	// An empty payload is only the properties and a range coder flush, which
	// the decoder cannot tell apart from a truncated stream.
	if uncompressedSize == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	binary.LittleEndian.PutUint64(hdr[lzmaPropsSize:], uncompressedSize)
	lr, err := lzma.NewReader(io.MultiReader(bytes.NewReader(hdr[:]), r))
	if err != nil {
		return nil, err
	}
	return io.NopCloser(lr), nil
}

func (lzmaCodec) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	cfg := lzma.WriterConfig{
		SizeInHeader: true,
		Size:         int64(len(data)),
		EOSMarker:    false,
	}
	w, err := cfg.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("lzma writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) < lzmaHeaderSize {
		return nil, fmt.Errorf("lzma output of %d bytes", len(out))
	}
	// Keep the properties, drop the size field.
	copy(out[lzmaPropsSize:], out[lzmaHeaderSize:])
	return out[:len(out)-(lzmaHeaderSize-lzmaPropsSize)], nil
}
