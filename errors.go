package ckv

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Match them with errors.Is; absence is never an error.
var (
	ErrRejected = errors.New("rejected by sanitizer")
	ErrCorrupt  = errors.New("corrupted row")
	ErrStorage  = errors.New("storage failure")
	ErrMisuse   = errors.New("misuse")
)

var (
	ErrWriteInProgress = fmt.Errorf("%w: connection already has a write transaction in progress", ErrMisuse)
	ErrReadInProgress  = fmt.Errorf("%w: connection has open read transactions", ErrMisuse)
	ErrTxClosed        = fmt.Errorf("%w: transaction is closed", ErrMisuse)
	ErrConnClosed      = fmt.Errorf("%w: connection is closed", ErrMisuse)
	ErrDBClosed        = fmt.Errorf("%w: database is closed", ErrMisuse)
	ErrReadOnly        = fmt.Errorf("%w: transaction is read-only", ErrMisuse)
)

// DataError describes undecodable bytes.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	// data may point into Bolt pages that are unmapped once the transaction ends
	return &DataError{bytes.Clone(data), off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Is(target error) bool {
	return target == ErrCorrupt
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}

// RowError attributes a failure to a particular row.
type RowError struct {
	Collection string
	Key        string
	Rowid      Rowid
	Msg        string
	Err        error
}

func rowErrf(collection, key string, rowid Rowid, err error, format string, args ...any) error {
	return &RowError{collection, key, rowid, fmt.Sprintf(format, args...), err}
}

func (e *RowError) Unwrap() error {
	return e.Err
}

func (e *RowError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Collection)
	buf.WriteByte('/')
	buf.WriteString(e.Key)
	if e.Rowid != 0 {
		fmt.Fprintf(&buf, "#%d", e.Rowid)
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// ValidationError is returned by mutations refused by a sanitizer.
type ValidationError struct {
	Collection string
	Key        string
	Part       Part
	Err        error
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrRejected
}

func (e *ValidationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s/%s: %v rejected", e.Collection, e.Key, e.Part)
	}
	return fmt.Sprintf("%s/%s: %v rejected: %v", e.Collection, e.Key, e.Part, e.Err)
}

// StorageError wraps a failure reported by the storage engine.
type StorageError struct {
	Op  string
	Err error
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{op, err}
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ckv: %s: %v", e.Op, e.Err)
}

// isFatal reports whether err must abort the enclosing transaction.
func isFatal(err error) bool {
	return errors.Is(err, ErrCorrupt) || errors.Is(err, ErrStorage)
}
