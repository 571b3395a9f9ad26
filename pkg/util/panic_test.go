package util

import (
	"errors"
	"testing"
)

func TestPanicToError(t *testing.T) {
	sentinel := errors.New("boom")
	cases := []struct {
		in   any
		want string
	}{
		{sentinel, "boom"},
		{"text", "text"},
		{7, "panic code: 7"},
		{uint16(3), "panic code: 3"},
		{struct{}{}, "panic: {}"},
	}
	for _, c := range cases {
		err := PanicToError(c.in)
		if err == nil || err.Error() != c.want {
			t.Fatalf("PanicToError(%v) = %v, want %q", c.in, err, c.want)
		}
	}
	if !errors.Is(PanicToError(sentinel), sentinel) {
		t.Fatal("error identity lost")
	}
	if PanicToError(nil) != nil {
		t.Fatal("nil should stay nil")
	}
}
