package stream

import "errors"

var (
	ErrNotFound          = errors.New("imstream: segment not found")
	ErrAlreadyExists     = errors.New("imstream: segment already exists")
	ErrInvalidArgument   = errors.New("imstream: invalid argument")
	ErrShapeMismatch     = errors.New("imstream: shape mismatch")
	ErrTypeMismatch      = errors.New("imstream: type mismatch")
	ErrFormatMismatch    = errors.New("imstream: segment format mismatch")
	ErrResourceExhausted = errors.New("imstream: resource exhausted")
	ErrTimedOut          = errors.New("imstream: timed out")
	ErrSegmentGone       = errors.New("imstream: segment gone")
	ErrUnimplemented     = errors.New("imstream: unimplemented")
	ErrClosed            = errors.New("imstream: closed")
)
