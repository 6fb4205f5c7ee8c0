package offline

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownCollection is returned for a collection name the store does not hold.
	ErrUnknownCollection = errors.New("unknown collection")
	// ErrUnknownIndex is returned for an index the collection does not define.
	ErrUnknownIndex = errors.New("unknown index")
	// ErrMissingRestaurantID is returned when no restaurant id can be derived from a request.
	ErrMissingRestaurantID = errors.New("missing or invalid restaurant_id")
	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("store is closed")
)

// StorageTransactionError reports an aborted or failed store transaction.
type StorageTransactionError struct {
	Op         string
	Collection Collection
	Err        error
}

func (e *StorageTransactionError) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *StorageTransactionError) Unwrap() error {
	return e.Err
}

// TxError wraps err as a StorageTransactionError. It returns nil for a nil err.
func TxError(op string, c Collection, err error) error {
	if err == nil {
		return nil
	}
	var txErr *StorageTransactionError
	if errors.As(err, &txErr) {
		return err
	}
	return &StorageTransactionError{Op: op, Collection: c, Err: err}
}

// StatusError reports an upstream response with an unexpected status.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("unexpected upstream status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected upstream status %s", e.Status)
}
