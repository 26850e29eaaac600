package ckv

import (
	"errors"
	"strings"
	"testing"
)

func TestDataError_ErrorAndUnwrap(t *testing.T) {
	t.Run("small data", func(t *testing.T) {
		inner := errors.New("inner")
		data := []byte{0xAA, 0xBB}
		err := dataErrf(data, 1, inner, "oops")
		data[0] = 0
		var de *DataError
		if !errors.As(err, &de) {
			t.Fatalf("err = %T, wanted *DataError", err)
		}
		if !errors.Is(err, inner) || !errors.Is(err, ErrCorrupt) {
			t.Fatalf("err = %v, wanted to match both inner and ErrCorrupt", err)
		}
		s := err.Error()
		if !strings.Contains(s, "oops") || !strings.Contains(s, "inner") || !strings.Contains(s, "(2) aabb") {
			t.Fatalf("err.Error() = %q, wanted message with oops/inner/(2) aabb", s)
		}
	})

	t.Run("large data includes prefix+suffix", func(t *testing.T) {
		data := make([]byte, 200)
		for i := range data {
			data[i] = byte(i)
		}
		err := dataErrf(data, 0, nil, "oops")
		s := err.Error()
		if !strings.Contains(s, "(200)") || !strings.Contains(s, "...") {
			t.Fatalf("err.Error() = %q, wanted message with (200) and ...", s)
		}
	})
}

func TestRowError_ErrorAndUnwrap(t *testing.T) {
	inner := dataErrf([]byte{1}, 0, nil, "bad")
	err := rowErrf("users", "a", 7, inner, "cannot decode %v", PartObject)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("errors.Is(err, ErrCorrupt) = false, wanted true")
	}
	if s, e := err.Error(), "users/a#7: cannot decode object: bad: (1) 01"; s != e {
		t.Fatalf("err.Error() = %q, wanted %q", s, e)
	}
	if s, e := (&RowError{Collection: "c", Key: "k"}).Error(), "c/k"; s != e {
		t.Fatalf("err.Error() = %q, wanted %q", s, e)
	}
}

func TestValidationError(t *testing.T) {
	inner := errors.New("too long")
	err := error(&ValidationError{"users", "a", PartMetadata, inner})
	if !errors.Is(err, ErrRejected) || !errors.Is(err, inner) {
		t.Fatalf("err = %v, wanted to match ErrRejected and inner", err)
	}
	if isFatal(err) {
		t.Fatalf("isFatal(%v) = true, wanted false", err)
	}
	if s, e := err.Error(), "users/a: metadata rejected: too long"; s != e {
		t.Fatalf("err.Error() = %q, wanted %q", s, e)
	}
}

func TestStorageError(t *testing.T) {
	if storageErr("commit", nil) != nil {
		t.Fatalf("storageErr(nil) != nil")
	}
	inner := errors.New("disk full")
	err := storageErr("commit", inner)
	if !errors.Is(err, ErrStorage) || !errors.Is(err, inner) || !isFatal(err) {
		t.Fatalf("err = %v, wanted a fatal storage error wrapping inner", err)
	}
	if again := storageErr("put", err); again != err {
		t.Fatalf("storageErr rewrapped an existing StorageError: %v", again)
	}
	if s, e := err.Error(), "ckv: commit: disk full"; s != e {
		t.Fatalf("err.Error() = %q, wanted %q", s, e)
	}
}

func TestMisuseErrors(t *testing.T) {
	for _, err := range []error{ErrWriteInProgress, ErrReadInProgress, ErrTxClosed, ErrConnClosed, ErrDBClosed, ErrReadOnly} {
		if !errors.Is(err, ErrMisuse) {
			t.Errorf("%v does not match ErrMisuse", err)
		}
		if isFatal(err) {
			t.Errorf("isFatal(%v) = true", err)
		}
	}
}
