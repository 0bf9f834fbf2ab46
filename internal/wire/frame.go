package wire

import (
	"bytes"
	"io"
)

// EOT terminates multi-part text replies such as status tables.
const EOT = '\x04'

// ReadFrame reads one frame from r.
func ReadFrame(r *Reader) ([]byte, error) {
	return r.ReadBytes(MaxFrame)
}

// WriteFrame writes payload as a single frame and flushes it to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrame {
		return ErrFrameTooLarge
	}
	dw := NewWriter(w)
	if err := dw.WriteBytes(payload); err != nil {
		return err
	}
	return dw.Flush()
}

// Fields is a helper for packing several DIS values into one byte slice,
// as done for credential envelopes.
type Fields struct {
	buf bytes.Buffer
	w   *Writer
}

// NewFields starts an empty field list.
func NewFields() *Fields {
	f := &Fields{}
	f.w = NewWriter(&f.buf)
	return f
}

func (f *Fields) Uint(v uint64) *Fields   { f.w.WriteUint(v); return f }
func (f *Fields) Int(v int64) *Fields     { f.w.WriteInt(v); return f }
func (f *Fields) String(s string) *Fields { f.w.WriteString(s); return f }
func (f *Fields) Bytes(b []byte) *Fields  { f.w.WriteBytes(b); return f }

// Encode returns the packed fields.
func (f *Fields) Encode() []byte {
	f.w.Flush()
	return f.buf.Bytes()
}
