package stream

import (
	"fmt"
	"unsafe"

	"github.com/minio/highwayhash"
)

// Segment file layout:
//
//	+--------------------+ 0
//	| header (128 B)     |
//	+--------------------+ headerSize
//	| semaphore bank     | bankSize x 8 B
//	+--------------------+ keywordOffset
//	| keyword table      | keywordCapacity x 120 B
//	+--------------------+ dataOffset (64 B aligned)
//	| data buffer        | elements x dtype size
//	+--------------------+ totalSize
const (
	// Magic Little-Endian = "IMSTREAM"
	Magic = uint64(0x4d41455254534d49)
	// Version of the layout. Bumped on any incompatible change.
	Version = uint32(1)

	Suffix = ".im.shm"

	headerSize  = int(unsafe.Sizeof(header{}))
	slotSize    = int(unsafe.Sizeof(semSlot{}))
	keywordSize = int(unsafe.Sizeof(keywordRecord{}))
	dataAlign   = 64

	// bytes of the header covered by the checksum
	checksumSpan = int(unsafe.Offsetof(header{}.Checksum))
)

const (
	flagShared uint32 = 1 << iota
)

type segmentState uint32

const (
	stateCreating  segmentState = 0
	stateLive      segmentState = 1
	stateDestroyed segmentState = 2
)

// header is mapped in place at offset 0. Fields before Checksum never
// change after creation. All fields are naturally aligned.
type header struct {
	Magic      uint64
	Version    uint32
	HeaderSize uint32
	DType      uint8
	Naxis      uint8
	Symcode    uint8
	Location   int8
	Flags      uint32
	Size       [MaxDims]uint32
	KeywordCap uint32
	Elements   uint64
	BankSize   uint32
	SemCap     uint32
	CreateTime int64
	OwnerPID   int32
	_          uint32
	Instance   uint64
	DataOffset uint64
	TotalSize  uint64
	Checksum   uint64

	State     uint32
	Writing   uint32
	Counter   uint64
	WriteTime int64
}

type semSlot struct {
	Count uint32
	Owner int32
}

type keywordRecord struct {
	Name    [16]byte
	Type    uint8
	_       [7]byte
	Value   [16]byte
	Comment [80]byte
}

var checksumKey = []byte("imstream/segment/header/checksum")

type layout struct {
	keywordOffset int
	dataOffset    int
	totalSize     int
}

func computeLayout(g Geometry, keywordCap, bankSize int) layout {
	var l layout
	l.keywordOffset = headerSize + bankSize*slotSize
	l.dataOffset = alignUp(l.keywordOffset+keywordCap*keywordSize, dataAlign)
	l.totalSize = l.dataOffset + g.Bytes()
	return l
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

func headerAt(b []byte) *header {
	return (*header)(unsafe.Pointer(&b[0]))
}

func (h *header) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(h)), headerSize)
}

func (h *header) sum() uint64 {
	return highwayhash.Sum64(h.bytes()[:checksumSpan], checksumKey)
}

func (h *header) geometry() Geometry {
	g := Geometry{DType: DType(h.DType), Shape: make([]int, h.Naxis)}
	for i := range g.Shape {
		g.Shape[i] = int(h.Size[i])
	}
	return g
}

// validate checks a mapped header against the layout this package writes.
func (h *header) validate(fileSize int) error {
	if h.Magic != Magic {
		return fmt.Errorf("%w: bad magic %#x", ErrFormatMismatch, h.Magic)
	}
	if h.Version != Version {
		return fmt.Errorf("%w: version %d, want %d", ErrFormatMismatch, h.Version, Version)
	}
	if int(h.HeaderSize) != headerSize {
		return fmt.Errorf("%w: header size %d, want %d", ErrFormatMismatch, h.HeaderSize, headerSize)
	}
	if h.Checksum != h.sum() {
		return fmt.Errorf("%w: header checksum", ErrFormatMismatch)
	}
	g := h.geometry()
	if err := g.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrFormatMismatch, err)
	}
	l := computeLayout(g, int(h.KeywordCap), int(h.BankSize))
	if uint64(l.dataOffset) != h.DataOffset || uint64(l.totalSize) != h.TotalSize {
		return fmt.Errorf("%w: layout offsets", ErrFormatMismatch)
	}
	if l.totalSize > fileSize {
		return fmt.Errorf("%w: file holds %d bytes, layout needs %d", ErrFormatMismatch, fileSize, l.totalSize)
	}
	return nil
}
