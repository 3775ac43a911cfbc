// Package store provides a fixed-shape, randomly addressable result store
// backed by a memory-mapped file.
//
// The store records one result row per task index. Unset rows hold a sentinel
// value (NaN by default), which is what makes a partially completed run
// resumable: a later run asks the store which rows are still entirely
// sentinel and recomputes only those.
//
// The backing file is a small fixed-size header (magic, element type, shape)
// followed by the flat float64 data, so a store can be reopened and validated
// on a later run or from another process on the same host.
//
// Rows are not internally synchronized. Concurrent writers are safe only
// because the engine guarantees each index is owned by exactly one worker.
package store

import (
	"math"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var (
	// ErrShapeMismatch is returned when an existing store's recorded shape
	// disagrees with the requested shape. The store cannot be safely reused.
	ErrShapeMismatch = errors.New("store: shape mismatch")

	// ErrBadHeader is returned when the backing file is not a store file or
	// was written with an incompatible element type.
	ErrBadHeader = errors.New("store: bad header")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store: closed")
)

// Store is a persistent array of result rows, one per task index.
//
// The leading axis of the shape is the task count; the remaining axes
// describe one result item and are flattened into a row of float64s.
type Store struct {
	f      *os.File
	raw    []byte
	vals   []float64
	shape  []int
	rows   int
	rowLen int
	fill   float64
	loc    string
	closed bool
}

// Open allocates or reopens a persistent result store.
//
// If loc is empty a temporary file is allocated and overwrite is implied.
// If the file does not exist, or overwrite is true, a fresh store is created
// and every element is set to fill. Otherwise the existing file is opened
// with its data kept as-is, and its recorded shape must match shape exactly;
// ErrShapeMismatch is returned when it does not. Reopening must use the same
// fill the store was created with, since fill is what the completion scan
// compares against.
//
// Parameters:
//   - loc: backing file path, or "" for a temp file
//   - shape: (N, itemShape...); at least one axis, at most 6
//   - fill: sentinel value marking "not yet computed" (use math.NaN()
//     unless results may legitimately be NaN)
//   - overwrite: discard any existing file contents
func Open(loc string, shape []int, fill float64, overwrite bool) (*Store, error) {
	if err := checkShape(shape); err != nil {
		return nil, err
	}

	if loc == "" {
		f, err := os.CreateTemp("", "memrun-*.dat")
		if err != nil {
			return nil, errors.Wrap(err, "store: create temp file")
		}
		loc = f.Name()
		f.Close()
		overwrite = true
	}

	fresh := overwrite
	if _, err := os.Stat(loc); os.IsNotExist(err) {
		fresh = true
	}

	total := 1
	for _, d := range shape {
		total *= d
	}
	size := headerSize + total*8

	f, err := os.OpenFile(loc, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "store: open %q", loc)
	}

	if fresh {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "store: truncate %q", loc)
		}
	} else {
		if err := validateHeader(f, shape); err != nil {
			f.Close()
			return nil, err
		}
		// an intact header over a truncated data region would map past EOF
		// and fault on first access
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "store: stat %q", loc)
		}
		if info.Size() < int64(size) {
			f.Close()
			return nil, errors.Wrapf(ErrBadHeader,
				"store: file %q holds %d bytes, need %d", loc, info.Size(), size)
		}
	}

	raw, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "store: mmap %q", loc)
	}

	s := &Store{
		f:      f,
		raw:    raw,
		vals:   float64View(raw[headerSize:], total),
		shape:  append([]int(nil), shape...),
		rows:   shape[0],
		rowLen: total / shape[0],
		fill:   fill,
		loc:    loc,
	}

	if fresh {
		writeHeader(raw[:headerSize], shape)
		s.Reset()
		logrus.WithFields(logrus.Fields{
			"loc":   loc,
			"shape": shape,
		}).Debug("store: created result store")
	} else {
		logrus.WithFields(logrus.Fields{
			"loc":       loc,
			"shape":     shape,
			"completed": s.CompletedCount(),
		}).Debug("store: reopened result store")
	}

	return s, nil
}

func checkShape(shape []int) error {
	if len(shape) == 0 || len(shape) > maxDims {
		return errors.Wrapf(ErrBadHeader, "shape must have 1..%d axes, got %d", maxDims, len(shape))
	}
	for _, d := range shape {
		if d <= 0 {
			return errors.Wrapf(ErrBadHeader, "shape axes must be positive, got %v", shape)
		}
	}
	return nil
}

// Len returns the number of rows (task count, the leading axis).
func (s *Store) Len() int { return s.rows }

// RowLen returns the number of float64 elements in one result row.
func (s *Store) RowLen() int { return s.rowLen }

// Shape returns a copy of the full store shape.
func (s *Store) Shape() []int { return append([]int(nil), s.shape...) }

// Sentinel returns the fill value marking unset elements.
func (s *Store) Sentinel() float64 { return s.fill }

// Location returns the backing file path.
func (s *Store) Location() string { return s.loc }

// Write stores one result row at index i.
//
// It is not internally synchronized: callers must guarantee that no two
// concurrent writers target the same index. The engine upholds this by
// dispatching each incomplete index exactly once.
func (s *Store) Write(i int, vals []float64) error {
	if s.closed {
		return ErrClosed
	}
	if i < 0 || i >= s.rows {
		return errors.Errorf("store: index %d out of range [0, %d)", i, s.rows)
	}
	if len(vals) != s.rowLen {
		return errors.Errorf("store: row length %d does not match item size %d", len(vals), s.rowLen)
	}
	copy(s.vals[i*s.rowLen:(i+1)*s.rowLen], vals)
	return nil
}

// At returns the row at index i as a direct view into the mapped file.
// Mutating the returned slice mutates the store.
func (s *Store) At(i int) []float64 {
	return s.vals[i*s.rowLen : (i+1)*s.rowLen]
}

// Completed reports, per index, whether at least one element of the row
// differs from the sentinel. A row whose every element still equals the
// sentinel has not been computed (or its computation failed before the
// write).
func (s *Store) Completed() []bool {
	done := make([]bool, s.rows)
	for i := range done {
		done[i] = s.rowDone(i)
	}
	return done
}

// Incomplete returns the indices whose rows are still entirely sentinel,
// in ascending order.
func (s *Store) Incomplete() []int {
	var idx []int
	for i := 0; i < s.rows; i++ {
		if !s.rowDone(i) {
			idx = append(idx, i)
		}
	}
	return idx
}

// CompletedCount returns the number of completed rows.
func (s *Store) CompletedCount() int {
	n := 0
	for i := 0; i < s.rows; i++ {
		if s.rowDone(i) {
			n++
		}
	}
	return n
}

func (s *Store) rowDone(i int) bool {
	row := s.vals[i*s.rowLen : (i+1)*s.rowLen]
	for _, v := range row {
		if s.isSet(v) {
			return true
		}
	}
	return false
}

func (s *Store) isSet(v float64) bool {
	if math.IsNaN(s.fill) {
		return !math.IsNaN(v)
	}
	return v != s.fill
}

// Reset refills the entire store with the sentinel, discarding all results.
func (s *Store) Reset() {
	for i := range s.vals {
		s.vals[i] = s.fill
	}
}

// Flush synchronizes the mapped data with the backing file.
func (s *Store) Flush() error {
	if s.closed {
		return ErrClosed
	}
	return errors.Wrap(unix.Msync(s.raw, unix.MS_SYNC), "store: msync")
}

// Close unmaps and closes the backing file. The store must not be used
// afterwards; row views obtained via At become invalid.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.vals = nil

	err := unix.Munmap(s.raw)
	s.raw = nil
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return errors.Wrap(err, "store: close")
}
