package ledger

import (
	"errors"
	"fmt"
)

// StorageFault reports that the durable store was unavailable or refused a
// write (for example, quota exceeded). Operations that fail this way are
// aborted without retry and notify no subscribers.
type StorageFault struct {
	Op  string
	Err error
}

func (e *StorageFault) Error() string {
	return fmt.Sprintf("ledger: %s: storage fault: %v", e.Op, e.Err)
}

func (e *StorageFault) Unwrap() error {
	return e.Err
}

// IsStorageFault reports whether err is, or wraps, a StorageFault.
func IsStorageFault(err error) bool {
	var sf *StorageFault
	return errors.As(err, &sf)
}

func storageFault(op string, err error) error {
	return &StorageFault{Op: op, Err: err}
}
