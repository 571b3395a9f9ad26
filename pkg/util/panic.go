package util

import (
	"errors"
	"fmt"
)

// PanicToError converts a recovered value into an error.
func PanicToError(e any) (err error) {
	switch v := e.(type) {
	case nil:
		return nil
	case error:
		err = v
	case string:
		err = errors.New(v)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		err = fmt.Errorf("panic code: %d", v)
	case float32, float64:
		err = fmt.Errorf("panic code: %f", v)
	case fmt.Stringer:
		err = errors.New(v.String())
	default:
		err = fmt.Errorf("panic: %v", v)
	}
	return
}
