package store

import (
	"encoding/binary"
	"io"
	"os"
	"unsafe"

	"github.com/pkg/errors"
)

// Backing file layout: a fixed 64-byte header followed by the flat float64
// data. Keeping the header a multiple of 8 bytes means the data region of the
// page-aligned mapping is itself 8-byte aligned, which the float64 view
// relies on.
//
//	[0:8)   magic "MEMRUN01"
//	[8]     element type code (1 = float64)
//	[9]     number of axes
//	[10:16) reserved
//	[16:64) axis lengths, little-endian uint64, up to 6
const (
	headerSize = 64
	maxDims    = 6

	dtypeFloat64 = 1
)

var magic = [8]byte{'M', 'E', 'M', 'R', 'U', 'N', '0', '1'}

func writeHeader(buf []byte, shape []int) {
	copy(buf[0:8], magic[:])
	buf[8] = dtypeFloat64
	buf[9] = byte(len(shape))
	for i := 10; i < 16; i++ {
		buf[i] = 0
	}
	for i, d := range shape {
		binary.LittleEndian.PutUint64(buf[16+i*8:], uint64(d))
	}
}

func readHeader(buf []byte) ([]int, error) {
	if [8]byte(buf[0:8]) != magic {
		return nil, errors.Wrap(ErrBadHeader, "missing magic")
	}
	if buf[8] != dtypeFloat64 {
		return nil, errors.Wrapf(ErrBadHeader, "unsupported element type code %d", buf[8])
	}
	ndim := int(buf[9])
	if ndim == 0 || ndim > maxDims {
		return nil, errors.Wrapf(ErrBadHeader, "invalid axis count %d", ndim)
	}

	shape := make([]int, ndim)
	for i := range shape {
		shape[i] = int(binary.LittleEndian.Uint64(buf[16+i*8:]))
		if shape[i] <= 0 {
			return nil, errors.Wrapf(ErrBadHeader, "invalid axis length %d", shape[i])
		}
	}
	return shape, nil
}

// validateHeader reads the header of an existing backing file and checks the
// recorded shape against the request.
func validateHeader(f *os.File, want []int) error {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return errors.Wrap(ErrBadHeader, "short header")
	}

	got, err := readHeader(buf)
	if err != nil {
		return err
	}
	if !equalShape(got, want) {
		return errors.Wrapf(ErrShapeMismatch, "existing store has shape %v, requested %v", got, want)
	}
	return nil
}

func equalShape(a, b []int) bool {
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

// float64View reinterprets the data region of the mapping as a []float64.
// buf must be 8-byte aligned, which the header padding guarantees.
func float64View(buf []byte, n int) []float64 {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&buf[0])), n)
}
