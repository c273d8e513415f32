package codec

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
)

// deflateCodec reads and writes zlib-framed deflate streams. Encoders are
// pooled.
type deflateCodec struct {
	encoders *sync.Pool
}

func newDeflateCodec() *deflateCodec {
	return &deflateCodec{
		encoders: &sync.Pool{
			New: func() any {
				return zlib.NewWriter(nil)
			},
		},
	}
}

func (*deflateCodec) Compression() Compression { return Deflate }

func (*deflateCodec) NewReader(r io.Reader, _ uint64) (io.ReadCloser, error) {
	return zlib.NewReader(r)
}

func (d *deflateCodec) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(data)/2 + 64)
	w, _ := d.encoders.Get().(*zlib.Writer)
	if w == nil {
		w = zlib.NewWriter(nil)
	}
	defer d.encoders.Put(w)
	w.Reset(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
