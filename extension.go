package ckv

// Extension observes write transactions, typically to maintain secondary
// data derived from the rows. Hooks run on the writer's goroutine while the
// database write lock is held, so they must not start write transactions.
type Extension interface {
	Name() string

	// WriteBegan runs before the transaction body. An error rolls back.
	WriteBegan(tx *WriteTx) error

	// WillCommit runs after the body succeeded. It may still mutate through
	// tx; an error rolls back.
	WillCommit(tx *WriteTx, cs *ChangeSet) error

	// DidCommit runs after the change set was handed to every connection.
	DidCommit(cs *ChangeSet)

	// DidRollback runs after a rollback with the error that caused it.
	DidRollback(err error)
}

// ExtensionFuncs implements Extension with optional funcs.
type ExtensionFuncs struct {
	ExtensionName string
	OnWriteBegan  func(tx *WriteTx) error
	OnWillCommit  func(tx *WriteTx, cs *ChangeSet) error
	OnDidCommit   func(cs *ChangeSet)
	OnDidRollback func(err error)
}

func (e *ExtensionFuncs) Name() string {
	return e.ExtensionName
}

func (e *ExtensionFuncs) WriteBegan(tx *WriteTx) error {
	if e.OnWriteBegan == nil {
		return nil
	}
	return e.OnWriteBegan(tx)
}

func (e *ExtensionFuncs) WillCommit(tx *WriteTx, cs *ChangeSet) error {
	if e.OnWillCommit == nil {
		return nil
	}
	return e.OnWillCommit(tx, cs)
}

func (e *ExtensionFuncs) DidCommit(cs *ChangeSet) {
	if e.OnDidCommit != nil {
		e.OnDidCommit(cs)
	}
}

func (e *ExtensionFuncs) DidRollback(err error) {
	if e.OnDidRollback != nil {
		e.OnDidRollback(err)
	}
}

// Extension returns the registered extension with the given name.
func (db *DB) Extension(name string) Extension {
	for _, ext := range db.extensions {
		if ext.Name() == name {
			return ext
		}
	}
	return nil
}
