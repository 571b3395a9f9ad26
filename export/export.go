// Package export writes captured batches as Arrow IPC files or Parquet.
//
// A batch becomes one record with a row per frame: the write counter and
// the frame elements as a list. Complex frames are stored as interleaved
// real and imaginary floats.
package export

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/apache/arrow/go/v13/arrow"
	"github.com/apache/arrow/go/v13/arrow/array"
	"github.com/apache/arrow/go/v13/arrow/ipc"
	"github.com/apache/arrow/go/v13/arrow/memory"
	"github.com/apache/arrow/go/v13/parquet"
	"github.com/apache/arrow/go/v13/parquet/compress"
	"github.com/apache/arrow/go/v13/parquet/pqarrow"

	"github.com/moontrade/imstream/stream"
)

const (
	CounterField = "counter"
	FrameField   = "frame"
)

type Options struct {
	// Name of the source stream, stored in the schema metadata.
	Name      string
	Allocator memory.Allocator
}

func (o *Options) allocator() memory.Allocator {
	if o.Allocator == nil {
		return memory.DefaultAllocator
	}
	return o.Allocator
}

// ElementType is the arrow type of one stored element of dt.
func ElementType(dt stream.DType) (arrow.DataType, error) {
	switch dt {
	case stream.Int8:
		return arrow.PrimitiveTypes.Int8, nil
	case stream.UInt8:
		return arrow.PrimitiveTypes.Uint8, nil
	case stream.Int16:
		return arrow.PrimitiveTypes.Int16, nil
	case stream.UInt16:
		return arrow.PrimitiveTypes.Uint16, nil
	case stream.Int32:
		return arrow.PrimitiveTypes.Int32, nil
	case stream.UInt32:
		return arrow.PrimitiveTypes.Uint32, nil
	case stream.Int64:
		return arrow.PrimitiveTypes.Int64, nil
	case stream.UInt64:
		return arrow.PrimitiveTypes.Uint64, nil
	case stream.Float32, stream.Complex64:
		return arrow.PrimitiveTypes.Float32, nil
	case stream.Float64, stream.Complex128:
		return arrow.PrimitiveTypes.Float64, nil
	}
	return nil, fmt.Errorf("%w: dtype %s", stream.ErrInvalidArgument, dt)
}

func shapeString(s []int) string {
	parts := make([]string, len(s))
	for i, n := range s {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

// Schema describes the record written for b.
func Schema(b *stream.Batch, opts Options) (*arrow.Schema, error) {
	elem, err := ElementType(b.DType)
	if err != nil {
		return nil, err
	}
	md := arrow.NewMetadata(
		[]string{"name", "dtype", "shape", "format", "requested", "captured", "baseline", "missed", "duplicates", "resets", "state"},
		[]string{
			opts.Name,
			b.DType.Code(),
			shapeString(b.FrameShape),
			b.Format.String(),
			strconv.Itoa(b.Requested),
			strconv.Itoa(b.Captured),
			strconv.FormatUint(b.Baseline, 10),
			strconv.FormatUint(b.Missed, 10),
			strconv.Itoa(b.Duplicates),
			strconv.Itoa(b.Resets),
			b.State.String(),
		},
	)
	return arrow.NewSchema([]arrow.Field{
		{Name: CounterField, Type: arrow.PrimitiveTypes.Uint64},
		{Name: FrameField, Type: arrow.ListOf(elem)},
	}, &md), nil
}

type valueAppender[T any] interface {
	AppendValues(v []T, valid []bool)
}

func appendFrame[T stream.Element](vb valueAppender[T], f stream.Frame) error {
	values, err := stream.Values[T](f)
	if err != nil {
		return err
	}
	vb.AppendValues(values, nil)
	return nil
}

func appendComplex64(vb *array.Float32Builder, f stream.Frame) error {
	values, err := stream.Values[complex64](f)
	if err != nil {
		return err
	}
	for _, v := range values {
		vb.Append(real(v))
		vb.Append(imag(v))
	}
	return nil
}

func appendComplex128(vb *array.Float64Builder, f stream.Frame) error {
	values, err := stream.Values[complex128](f)
	if err != nil {
		return err
	}
	for _, v := range values {
		vb.Append(real(v))
		vb.Append(imag(v))
	}
	return nil
}

// Record builds the arrow record for b. The caller releases it.
func Record(b *stream.Batch, opts Options) (arrow.Record, error) {
	schema, err := Schema(b, opts)
	if err != nil {
		return nil, err
	}
	rb := array.NewRecordBuilder(opts.allocator(), schema)
	defer rb.Release()
	counters := rb.Field(0).(*array.Uint64Builder)
	frames := rb.Field(1).(*array.ListBuilder)
	counters.AppendValues(b.Counters[:b.Captured], nil)

	for i := 0; i < b.Captured; i++ {
		f := b.Frame(i)
		frames.Append(true)
		switch vb := frames.ValueBuilder().(type) {
		case *array.Int8Builder:
			err = appendFrame[int8](vb, f)
		case *array.Uint8Builder:
			err = appendFrame[uint8](vb, f)
		case *array.Int16Builder:
			err = appendFrame[int16](vb, f)
		case *array.Uint16Builder:
			err = appendFrame[uint16](vb, f)
		case *array.Int32Builder:
			err = appendFrame[int32](vb, f)
		case *array.Uint32Builder:
			err = appendFrame[uint32](vb, f)
		case *array.Int64Builder:
			err = appendFrame[int64](vb, f)
		case *array.Uint64Builder:
			err = appendFrame[uint64](vb, f)
		case *array.Float32Builder:
			if b.DType == stream.Complex64 {
				err = appendComplex64(vb, f)
			} else {
				err = appendFrame[float32](vb, f)
			}
		case *array.Float64Builder:
			if b.DType == stream.Complex128 {
				err = appendComplex128(vb, f)
			} else {
				err = appendFrame[float64](vb, f)
			}
		default:
			err = fmt.Errorf("%w: no builder for %s", stream.ErrInvalidArgument, b.DType)
		}
		if err != nil {
			return nil, err
		}
	}
	return rb.NewRecord(), nil
}

// WriteIPC writes b as an Arrow IPC file.
func WriteIPC(w io.Writer, b *stream.Batch, opts Options) error {
	rec, err := Record(b, opts)
	if err != nil {
		return err
	}
	defer rec.Release()
	fw, err := ipc.NewFileWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(opts.allocator()))
	if err != nil {
		return err
	}
	if err = fw.Write(rec); err != nil {
		_ = fw.Close()
		return err
	}
	return fw.Close()
}

// WriteParquet writes b as a zstd compressed Parquet file.
func WriteParquet(w io.Writer, b *stream.Batch, opts Options) error {
	rec, err := Record(b, opts)
	if err != nil {
		return err
	}
	defer rec.Release()
	fw, err := pqarrow.NewFileWriter(rec.Schema(), w,
		parquet.NewWriterProperties(
			parquet.WithCompression(compress.Codecs.Zstd),
			parquet.WithAllocator(opts.allocator()),
		),
		pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	if err != nil {
		return err
	}
	if err = fw.Write(rec); err != nil {
		_ = fw.Close()
		return err
	}
	return fw.Close()
}
