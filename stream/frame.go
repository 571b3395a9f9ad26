package stream

import (
	"fmt"
	"unsafe"
)

// Format selects the orientation of frame data.
type Format uint8

const (
	// Raw is the stored layout, fastest axis first.
	Raw Format = iota
	// Logical is row-major with the segment symcode applied.
	Logical
)

func (f Format) String() string {
	switch f {
	case Raw:
		return "raw"
	case Logical:
		return "logical"
	}
	return fmt.Sprintf("Format(%d)", uint8(f))
}

// Frame is one image. For Raw frames Shape lists stored extents fastest
// first; for Logical frames Shape is row-major, slowest first.
type Frame struct {
	DType   DType
	Shape   []int
	Format  Format
	Counter uint64
	Data    []byte
}

// NewFrame copies values into a new frame.
func NewFrame[T Element](format Format, shape []int, values []T) (Frame, error) {
	dt := DTypeOf[T]()
	g := Geometry{DType: dt, Shape: shape}
	if err := g.Validate(); err != nil {
		return Frame{}, err
	}
	if len(values) != g.Elements() {
		return Frame{}, fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(values), shape)
	}
	data := make([]byte, g.Bytes())
	if len(values) > 0 {
		copy(data, unsafe.Slice((*byte)(unsafe.Pointer(&values[0])), len(data)))
	}
	return Frame{DType: dt, Shape: cloneShape(shape), Format: format, Data: data}, nil
}

// Values copies the frame data out as a []T.
func Values[T Element](f Frame) ([]T, error) {
	if dt := DTypeOf[T](); dt != f.DType {
		return nil, fmt.Errorf("%w: frame is %s, asked for %s", ErrTypeMismatch, f.DType, dt)
	}
	size := f.DType.Size()
	if len(f.Data)%size != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrShapeMismatch, len(f.Data), size)
	}
	out := make([]T, len(f.Data)/size)
	if len(out) > 0 {
		copy(unsafe.Slice((*byte)(unsafe.Pointer(&out[0])), len(f.Data)), f.Data)
	}
	return out, nil
}

func (f Frame) Elements() int {
	if f.DType.Size() == 0 {
		return 0
	}
	return len(f.Data) / f.DType.Size()
}
