package store

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func tempLoc(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "results.dat")
}

func TestStore_OpenFresh_FilledWithSentinel(t *testing.T) {
	s, err := Open(tempLoc(t), []int{5, 3}, math.NaN(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()

	if s.Len() != 5 {
		t.Fatalf("expected 5 rows, got %d", s.Len())
	}
	if s.RowLen() != 3 {
		t.Fatalf("expected row length 3, got %d", s.RowLen())
	}

	for i := 0; i < s.Len(); i++ {
		for j, v := range s.At(i) {
			if !math.IsNaN(v) {
				t.Errorf("row %d element %d: expected NaN sentinel, got %v", i, j, v)
			}
		}
	}

	for i, done := range s.Completed() {
		if done {
			t.Errorf("fresh store: row %d reported completed", i)
		}
	}
}

func TestStore_TempFile_WhenLocationEmpty(t *testing.T) {
	s, err := Open("", []int{4}, math.NaN(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer os.Remove(s.Location())
	defer s.Close()

	if s.Location() == "" {
		t.Fatal("expected a temp file location")
	}
}

func TestStore_WriteAndCompleted(t *testing.T) {
	s, err := Open(tempLoc(t), []int{4, 2}, math.NaN(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()

	if err := s.Write(2, []float64{1.5, 2.5}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	done := s.Completed()
	for i, want := range []bool{false, false, true, false} {
		if done[i] != want {
			t.Errorf("completed[%d]: expected %v, got %v", i, want, done[i])
		}
	}

	got := s.At(2)
	if got[0] != 1.5 || got[1] != 2.5 {
		t.Errorf("row 2: expected [1.5 2.5], got %v", got)
	}

	incomplete := s.Incomplete()
	if len(incomplete) != 3 {
		t.Fatalf("expected 3 incomplete rows, got %v", incomplete)
	}
}

func TestStore_Write_RowLengthMismatch(t *testing.T) {
	s, err := Open(tempLoc(t), []int{2, 3}, math.NaN(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()

	if err := s.Write(0, []float64{1}); err == nil {
		t.Fatal("expected an error for short row")
	}
	if err := s.Write(5, []float64{1, 2, 3}); err == nil {
		t.Fatal("expected an error for out-of-range index")
	}
}

func TestStore_Reopen_KeepsData(t *testing.T) {
	loc := tempLoc(t)

	s, err := Open(loc, []int{3, 2}, math.NaN(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Write(1, []float64{7, 8}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	s2, err := Open(loc, []int{3, 2}, math.NaN(), false)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	if got := s2.At(1); got[0] != 7 || got[1] != 8 {
		t.Errorf("row 1 after reopen: expected [7 8], got %v", got)
	}
	if n := s2.CompletedCount(); n != 1 {
		t.Errorf("expected 1 completed row after reopen, got %d", n)
	}
}

func TestStore_Reopen_ShapeMismatch(t *testing.T) {
	loc := tempLoc(t)

	s, err := Open(loc, []int{3, 2}, math.NaN(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Close()

	if _, err := Open(loc, []int{4, 2}, math.NaN(), false); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
	if _, err := Open(loc, []int{3, 2, 2}, math.NaN(), false); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch for extra axis, got %v", err)
	}
}

func TestStore_Reopen_TruncatedData(t *testing.T) {
	loc := tempLoc(t)

	s, err := Open(loc, []int{8, 2}, math.NaN(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Close()

	// keep the header intact but cut the data region short
	if err := os.Truncate(loc, int64(headerSize+3*8)); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	if _, err := Open(loc, []int{8, 2}, math.NaN(), false); !errors.Is(err, ErrBadHeader) {
		t.Fatalf("expected ErrBadHeader for truncated data region, got %v", err)
	}
}

func TestStore_Overwrite_DiscardsData(t *testing.T) {
	loc := tempLoc(t)

	s, err := Open(loc, []int{2, 2}, math.NaN(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Write(0, []float64{1, 2}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	s.Close()

	s2, err := Open(loc, []int{2, 2}, math.NaN(), true)
	if err != nil {
		t.Fatalf("overwrite open failed: %v", err)
	}
	defer s2.Close()

	if n := s2.CompletedCount(); n != 0 {
		t.Errorf("expected empty store after overwrite, got %d completed", n)
	}
}

func TestStore_Reset(t *testing.T) {
	s, err := Open(tempLoc(t), []int{3}, math.NaN(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()

	if err := s.Write(0, []float64{1}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	s.Reset()

	if n := s.CompletedCount(); n != 0 {
		t.Errorf("expected 0 completed after reset, got %d", n)
	}
}

func TestStore_NonNaNFill(t *testing.T) {
	s, err := Open(tempLoc(t), []int{3}, -1, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()

	if err := s.Write(1, []float64{0}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	done := s.Completed()
	if done[0] || !done[1] || done[2] {
		t.Errorf("expected only row 1 completed, got %v", done)
	}
}

func TestStore_BadShape(t *testing.T) {
	if _, err := Open("", nil, math.NaN(), false); err == nil {
		t.Fatal("expected an error for empty shape")
	}
	if _, err := Open("", []int{3, 0}, math.NaN(), false); err == nil {
		t.Fatal("expected an error for zero axis")
	}
	if _, err := Open("", []int{1, 1, 1, 1, 1, 1, 1}, math.NaN(), false); err == nil {
		t.Fatal("expected an error for too many axes")
	}
}
