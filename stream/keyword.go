package stream

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// KeywordType tags the value held by a keyword slot.
type KeywordType uint8

const (
	KeywordNone   KeywordType = 0
	KeywordInt    KeywordType = 'L'
	KeywordFloat  KeywordType = 'D'
	KeywordString KeywordType = 'S'
)

func (t KeywordType) String() string {
	switch t {
	case KeywordNone:
		return "none"
	case KeywordInt:
		return "int"
	case KeywordFloat:
		return "float"
	case KeywordString:
		return "string"
	}
	return fmt.Sprintf("KeywordType(%d)", uint8(t))
}

// Keyword is a decoded keyword slot.
type Keyword struct {
	Name    string
	Type    KeywordType
	Int     int64
	Float   float64
	String  string
	Comment string
}

// Value returns the typed value as int64, float64 or string.
func (k Keyword) Value() any {
	switch k.Type {
	case KeywordInt:
		return k.Int
	case KeywordFloat:
		return k.Float
	case KeywordString:
		return k.String
	}
	return nil
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func (r *keywordRecord) decode() (Keyword, bool) {
	rec := *r
	t := KeywordType(rec.Type)
	switch t {
	case KeywordInt, KeywordFloat, KeywordString:
	default:
		return Keyword{}, false
	}
	k := Keyword{
		Name:    cstring(rec.Name[:]),
		Type:    t,
		Comment: cstring(rec.Comment[:]),
	}
	switch t {
	case KeywordInt:
		k.Int = int64(binary.NativeEndian.Uint64(rec.Value[:8]))
	case KeywordFloat:
		k.Float = math.Float64frombits(binary.NativeEndian.Uint64(rec.Value[:8]))
	case KeywordString:
		k.String = cstring(rec.Value[:])
	}
	return k, true
}

// KeywordCapacity is the number of keyword slots in the table.
func (s *Segment) KeywordCapacity() int { return len(s.keywords) }

// Keywords returns every used slot in table order. Reads are not
// synchronized with keyword writers.
func (s *Segment) Keywords() ([]Keyword, error) {
	if !s.enter() {
		return nil, ErrClosed
	}
	defer s.leave()
	var out []Keyword
	for i := range s.keywords {
		if k, ok := s.keywords[i].decode(); ok {
			out = append(out, k)
		}
	}
	return out, nil
}

// Keyword looks a keyword up by name.
func (s *Segment) Keyword(name string) (Keyword, bool) {
	if !s.enter() {
		return Keyword{}, false
	}
	defer s.leave()
	for i := range s.keywords {
		if k, ok := s.keywords[i].decode(); ok && k.Name == name {
			return k, true
		}
	}
	return Keyword{}, false
}

// WriteKeyword is reserved for keyword table writers.
func (s *Segment) WriteKeyword(k Keyword) error {
	return fmt.Errorf("%w: keyword write %q", ErrUnimplemented, k.Name)
}
