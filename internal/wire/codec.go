// Package wire implements the LPJS message encoding: DIS-style numbers and
// strings, length-prefixed frames, and the tagged request variants carried
// inside authenticated frames.
package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// MaxFrame bounds the size of any single frame accepted from the network.
const MaxFrame = 1 << 20

// ErrFrameTooLarge is returned when a frame length exceeds the allowed limit.
var ErrFrameTooLarge = errors.New("wire: frame too large")

// Reader reads DIS-encoded data from a stream.
//
// Number encoding:
//   - a number is [count chain] sign digits, sign is '+' or '-'
//   - one digit needs no count; N>1 digits are prefixed by N, which
//     itself is prefixed the same way when it has more than one digit
//   - 5 -> "+5", 15 -> "2+15", 1234567890 -> "210+1234567890"
//
// A string is its length as an unsigned number followed by the raw bytes.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r. Keep one Reader per connection; it buffers.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// disrsi reads a signed integer whose digit count is already known.
func (r *Reader) disrsi(count int) (uint64, bool, error) {
	if count > 20 {
		return 0, false, fmt.Errorf("wire: digit count %d overflows", count)
	}
	c, err := r.r.ReadByte()
	if err != nil {
		return 0, false, err
	}

	switch {
	case c == '+' || c == '-':
		buf := make([]byte, count)
		if _, err := io.ReadFull(r.r, buf); err != nil {
			return 0, false, noEOF(err)
		}
		val, err := strconv.ParseUint(string(buf), 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("wire: parse digits %q: %w", buf, err)
		}
		return val, c == '-', nil

	case c >= '1' && c <= '9':
		ndigs := int(c - '0')
		if count > 1 {
			buf := make([]byte, count-1)
			if _, err := io.ReadFull(r.r, buf); err != nil {
				return 0, false, noEOF(err)
			}
			for _, b := range buf {
				if b < '0' || b > '9' {
					return 0, false, fmt.Errorf("wire: non-digit %q in count", b)
				}
				ndigs = 10*ndigs + int(b-'0')
			}
		}
		val, negate, err := r.disrsi(ndigs)
		return val, negate, noEOF(err)

	case c == '0':
		return 0, false, fmt.Errorf("wire: leading zero in count")

	default:
		return 0, false, fmt.Errorf("wire: unexpected byte 0x%02x", c)
	}
}

// ReadUint reads an unsigned integer. A clean EOF before the first byte is
// returned as io.EOF so callers can tell a closed peer from a bad message.
func (r *Reader) ReadUint() (uint64, error) {
	val, negate, err := r.disrsi(1)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, err
		}
		return 0, fmt.Errorf("wire: ReadUint: %w", err)
	}
	if negate {
		return 0, fmt.Errorf("wire: ReadUint: unexpected negative")
	}
	return val, nil
}

// ReadInt reads a signed integer.
func (r *Reader) ReadInt() (int64, error) {
	val, negate, err := r.disrsi(1)
	if err != nil {
		return 0, fmt.Errorf("wire: ReadInt: %w", err)
	}
	if val > 1<<63-1 && !(negate && val == 1<<63) {
		return 0, fmt.Errorf("wire: ReadInt: %d overflows", val)
	}
	if negate {
		return -int64(val), nil
	}
	return int64(val), nil
}

// ReadBytes reads a length-prefixed byte string no longer than max.
func (r *Reader) ReadBytes(max uint64) ([]byte, error) {
	length, err := r.ReadUint()
	if err != nil {
		return nil, err
	}
	if length > max {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, max)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, fmt.Errorf("wire: ReadBytes data: %w", noEOF(err))
	}
	return buf, nil
}

// ReadString reads a length-prefixed string no longer than MaxFrame.
func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes(MaxFrame)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Writer writes DIS-encoded data to a stream. Call Flush when done.
type Writer struct {
	w *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

func countChain(sign string, digits string) string {
	prefix := sign
	ndigs := len(digits)
	for ndigs > 1 {
		countStr := strconv.Itoa(ndigs)
		prefix = countStr + prefix
		ndigs = len(countStr)
	}
	return prefix
}

// WriteUint writes an unsigned integer.
func (w *Writer) WriteUint(val uint64) error {
	digits := strconv.FormatUint(val, 10)
	if _, err := w.w.WriteString(countChain("+", digits)); err != nil {
		return err
	}
	_, err := w.w.WriteString(digits)
	return err
}

// WriteInt writes a signed integer.
func (w *Writer) WriteInt(val int64) error {
	sign := "+"
	mag := uint64(val)
	if val < 0 {
		sign = "-"
		mag = uint64(-(val + 1)) + 1
	}
	digits := strconv.FormatUint(mag, 10)
	if _, err := w.w.WriteString(countChain(sign, digits)); err != nil {
		return err
	}
	_, err := w.w.WriteString(digits)
	return err
}

// WriteBytes writes a length-prefixed byte string.
func (w *Writer) WriteBytes(b []byte) error {
	if err := w.WriteUint(uint64(len(b))); err != nil {
		return err
	}
	_, err := w.w.Write(b)
	return err
}

// WriteString writes a length-prefixed string.
func (w *Writer) WriteString(s string) error {
	if err := w.WriteUint(uint64(len(s))); err != nil {
		return err
	}
	_, err := w.w.WriteString(s)
	return err
}

// Flush flushes the write buffer.
func (w *Writer) Flush() error {
	return w.w.Flush()
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
