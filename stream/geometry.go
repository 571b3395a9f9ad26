package stream

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/moontrade/imstream/stream/symcode"
)

// MaxDims is the highest dimensionality a segment supports.
const MaxDims = 3

// Geometry is the immutable shape of a segment buffer. Shape lists the
// stored extents with the fastest varying axis first.
type Geometry struct {
	DType DType
	Shape []int
}

func (g Geometry) Validate() error {
	if !g.DType.Valid() {
		return fmt.Errorf("%w: dtype %s", ErrInvalidArgument, g.DType)
	}
	if len(g.Shape) == 0 || len(g.Shape) > MaxDims {
		return fmt.Errorf("%w: %d dimensions, want 1-%d", ErrInvalidArgument, len(g.Shape), MaxDims)
	}
	for _, n := range g.Shape {
		if n <= 0 || n > 1<<30 {
			return fmt.Errorf("%w: extent %d in shape %v", ErrInvalidArgument, n, g.Shape)
		}
	}
	return nil
}

// Elements is the number of elements in one frame.
func (g Geometry) Elements() int {
	n := 1
	for _, s := range g.Shape {
		n *= s
	}
	return n
}

// Bytes is the size of one frame.
func (g Geometry) Bytes() int {
	return g.Elements() * g.DType.Size()
}

func (g Geometry) Equal(o Geometry) bool {
	return g.DType == o.DType && sameShape(g.Shape, o.Shape)
}

func (g Geometry) String() string {
	return g.DType.Code() + "[" + shapeString(g.Shape) + "]"
}

// plane returns the stored frame as seen by the symcode transform.
func (g Geometry) plane() symcode.Shape {
	sh := symcode.Shape{Planes: 1, Rows: 1, Cols: 1}
	switch len(g.Shape) {
	case 3:
		sh.Planes = g.Shape[2]
		fallthrough
	case 2:
		sh.Rows = g.Shape[1]
		sh.Cols = g.Shape[0]
	case 1:
		sh.Cols = g.Shape[0]
	}
	return sh
}

// LogicalShape is the row-major shape a Logical read returns for symcode s.
func (g Geometry) LogicalShape(s int) []int {
	if len(g.Shape) < 2 {
		return cloneShape(g.Shape)
	}
	out := symcode.Output(g.plane(), s)
	if len(g.Shape) == 3 {
		return []int{out.Planes, out.Rows, out.Cols}
	}
	return []int{out.Rows, out.Cols}
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func cloneShape(s []int) []int {
	return append([]int(nil), s...)
}

func shapeString(s []int) string {
	parts := make([]string, len(s))
	for i, n := range s {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, "x")
}
