// Package symcode implements the eight isometries of a rectangle that map a
// stored image onto its logical orientation.
//
// A stored frame is a row-major matrix of Rows x Cols elements, optionally
// stacked Planes times with the plane index slowest. Codes 0-3 flip the
// matrix (none, rows, columns, both) and codes 4-7 transpose first and then
// apply code-4. Every code is its own inverse except 5 and 6, which invert
// each other.
package symcode

import (
	"errors"
	"fmt"
)

// Default is the code used when a stream does not specify one.
const Default = 4

var ErrInvalidCode = errors.New("symcode: code must be 0-7")

var inverse = [8]int{0, 1, 2, 3, 4, 6, 5, 7}

// Shape of a frame as seen by the transform.
type Shape struct {
	Planes int
	Rows   int
	Cols   int
}

func (s Shape) Len() int {
	p := s.Planes
	if p < 1 {
		p = 1
	}
	return p * s.Rows * s.Cols
}

func (s Shape) String() string {
	if s.Planes > 1 {
		return fmt.Sprintf("%dx%dx%d", s.Planes, s.Rows, s.Cols)
	}
	return fmt.Sprintf("%dx%d", s.Rows, s.Cols)
}

func Valid(code int) bool { return code >= 0 && code < 8 }

// Inverse returns the code that undoes code.
func Inverse(code int) int {
	if !Valid(code) {
		return code
	}
	return inverse[code]
}

// Transposes reports whether code swaps rows and columns.
func Transposes(code int) bool { return code > 3 }

// Output returns the shape produced by applying code to in.
func Output(in Shape, code int) Shape {
	if Transposes(code) {
		in.Rows, in.Cols = in.Cols, in.Rows
	}
	return in
}

// Encode maps a logical frame to its stored layout.
func Encode(src []byte, in Shape, elemSize, code int) ([]byte, Shape, error) {
	return apply(src, in, elemSize, code)
}

// Decode maps a stored frame to its logical layout.
func Decode(src []byte, in Shape, elemSize, code int) ([]byte, Shape, error) {
	if !Valid(code) {
		return nil, in, ErrInvalidCode
	}
	return apply(src, in, elemSize, inverse[code])
}

func apply(src []byte, in Shape, es, code int) ([]byte, Shape, error) {
	if !Valid(code) {
		return nil, in, ErrInvalidCode
	}
	if es <= 0 || in.Rows <= 0 || in.Cols <= 0 {
		return nil, in, fmt.Errorf("symcode: invalid shape %s elem %d", in, es)
	}
	if len(src) != in.Len()*es {
		return nil, in, fmt.Errorf("symcode: buffer holds %d bytes, shape %s needs %d", len(src), in, in.Len()*es)
	}
	var (
		out       = Output(in, code)
		transpose = Transposes(code)
		flip      = code & 3
		flipRows  = flip == 1 || flip == 3
		flipCols  = flip == 2 || flip == 3
		plane     = in.Rows * in.Cols * es
		planes    = in.Planes
		dst       = make([]byte, len(src))
	)
	if planes < 1 {
		planes = 1
	}
	for p := 0; p < planes; p++ {
		s := src[p*plane : (p+1)*plane]
		d := dst[p*plane : (p+1)*plane]
		for i := 0; i < out.Rows; i++ {
			ii := i
			if flipRows {
				ii = out.Rows - 1 - i
			}
			for j := 0; j < out.Cols; j++ {
				jj := j
				if flipCols {
					jj = out.Cols - 1 - j
				}
				r, c := ii, jj
				if transpose {
					r, c = jj, ii
				}
				from := (r*in.Cols + c) * es
				to := (i*out.Cols + j) * es
				copy(d[to:to+es], s[from:from+es])
			}
		}
	}
	return dst, out, nil
}
