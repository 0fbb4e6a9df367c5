package engine

import (
	"errors"
	"fmt"

	"github.com/jrife/grouse/storage/kv"
)

var (
	// ErrNoSuchRow is returned when the target of an update
	// or delete does not exist
	ErrNoSuchRow = errors.New("no such row")
	// ErrSchemaStale is returned when the schema a row was built
	// against no longer matches the schema visible to the transaction.
	// The caller should restart the statement.
	ErrSchemaStale = errors.New("schema changed during the transaction")
	// ErrNoSuchTable is returned when a row's table does not exist
	// in the transaction's schema
	ErrNoSuchTable = errors.New("no such table")
	// ErrNoSuchIndex is returned when an index does not exist
	// in the transaction's schema
	ErrNoSuchIndex = errors.New("no such index")
)

// DuplicateKeyError is returned when a write would violate a
// unique index
type DuplicateKeyError struct {
	// Index names the violated index
	Index string
	// Key is the formatted key of the conflicting entry
	Key string
}

func (err *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key %s in index %s", err.Key, err.Index)
}

// ReferencedRowError is returned by a restricted delete of
// a row that still has child rows
type ReferencedRowError struct {
	// Table is the table of the row being deleted
	Table string
	// Child is the table of a row that references it
	Child string
}

func (err *ReferencedRowError) Error() string {
	return fmt.Sprintf("cannot delete row of %s: it is referenced by a row of %s", err.Table, err.Child)
}

// ConstraintError wraps an error raised by a row observer
type ConstraintError struct {
	Observer string
	Err      error
}

func (err *ConstraintError) Error() string {
	return fmt.Sprintf("constraint violation from %s: %s", err.Observer, err.Err)
}

func (err *ConstraintError) Unwrap() error {
	return err.Err
}

func wrapError(wrap string, err error) error {
	var duplicate *DuplicateKeyError
	var referenced *ReferencedRowError
	var constraint *ConstraintError

	switch {
	case err == nil:
		return nil
	case err == ErrNoSuchRow || err == ErrSchemaStale || err == ErrNoSuchTable || err == ErrNoSuchIndex:
		return err
	case errors.As(err, &duplicate) || errors.As(err, &referenced) || errors.As(err, &constraint):
		return err
	case kv.IsRetryable(err):
		return err
	}

	return fmt.Errorf("%s: %w", wrap, err)
}
