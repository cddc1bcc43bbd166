// Package wire implements the typed byte pipe shared by the
// collaboration client and server.  All multi-byte values are
// little-endian; both peers use the same fixed order, so no
// byte-swapping happens above this package.
package wire

import (
	"encoding/binary"
	"errors"
	"math"
)

var ErrShortMessage = errors.New("message too short")
var ErrTrailingData = errors.New("trailing data in message")
var ErrTooLong = errors.New("length field too large")

// Type Scalar is the coordinate type of the navigational space.
type Scalar = float64

// Type Point is a position in navigational coordinates.
type Point [3]Scalar

// Type Transform is a rigid similarity: it places a source's video
// billboard into its navigational space.
type Transform struct {
	Position    Point
	Orientation [4]Scalar // unit quaternion, x y z w
	Scale       Scalar
}

// Identity is the neutral transform.
var Identity = Transform{
	Orientation: [4]Scalar{0, 0, 0, 1},
	Scale:       1,
}

// Type Reader decodes one message body.  The framework hands each
// plug-in a Reader covering exactly the bytes of its body; reading
// past the end fails, and a remainder left over after parsing is a
// protocol error reported by Finish.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

func (r *Reader) next(n int) ([]byte, error) {
	if r.Remaining() < n {
		return nil, ErrShortMessage
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadUint8()
	return v != 0, err
}

func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.next(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) ReadScalar() (Scalar, error) {
	b, err := r.next(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

func (r *Reader) ReadPoint() (Point, error) {
	var p Point
	for i := range p {
		v, err := r.ReadScalar()
		if err != nil {
			return p, err
		}
		p[i] = v
	}
	return p, nil
}

func (r *Reader) ReadTransform() (Transform, error) {
	var t Transform
	var err error
	t.Position, err = r.ReadPoint()
	if err != nil {
		return t, err
	}
	for i := range t.Orientation {
		t.Orientation[i], err = r.ReadScalar()
		if err != nil {
			return t, err
		}
	}
	t.Scale, err = r.ReadScalar()
	return t, err
}

// ReadBytes reads n bytes into buf, which must be of length n.
func (r *Reader) ReadBytes(buf []byte) error {
	b, err := r.next(len(buf))
	if err != nil {
		return err
	}
	copy(buf, b)
	return nil
}

// ReadBlob reads a u32 length followed by that many bytes.  The
// length is bounded by the remainder of the message, so a corrupt
// length field cannot cause a large allocation.
func (r *Reader) ReadBlob() ([]byte, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if int(n) > r.Remaining() {
		return nil, ErrTooLong
	}
	b := make([]byte, n)
	err = r.ReadBytes(b)
	return b, err
}

func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadUint16()
	if err != nil {
		return "", err
	}
	b, err := r.next(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Finish fails unless the body has been consumed exactly.
func (r *Reader) Finish() error {
	if r.Remaining() != 0 {
		return ErrTrailingData
	}
	return nil
}

// Type Writer builds a message body in memory.  Writes cannot fail.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) Bytes() []byte {
	return w.buf
}

func (w *Writer) Len() int {
	return len(w.buf)
}

func (w *Writer) WriteUint8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteUint8(1)
	} else {
		w.WriteUint8(0)
	}
}

func (w *Writer) WriteUint16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *Writer) WriteUint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *Writer) WriteScalar(v Scalar) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, math.Float64bits(v))
}

func (w *Writer) WritePoint(p Point) {
	for _, v := range p {
		w.WriteScalar(v)
	}
}

func (w *Writer) WriteTransform(t Transform) {
	w.WritePoint(t.Position)
	for _, v := range t.Orientation {
		w.WriteScalar(v)
	}
	w.WriteScalar(t.Scale)
}

func (w *Writer) WriteBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *Writer) WriteBlob(b []byte) {
	w.WriteUint32(uint32(len(b)))
	w.WriteBytes(b)
}

func (w *Writer) WriteString(s string) {
	w.WriteUint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}
