package credentials

import "fmt"

// StorageError reports a failed credential file operation.
type StorageError struct {
	// Op is the operation that failed: "save" or "clear".
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("credential %s failed for %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying I/O error.
func (e *StorageError) Unwrap() error {
	return e.Err
}
