package service

import (
	"errors"
	"fmt"

	"eventchat/server/chat/domain"
)

var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrMessageNotFound   = errors.New("message not found")
	ErrAggregateNotFound = errors.New("chat aggregate not found")
	ErrDuplicateMessage  = errors.New("duplicate message")
)

// StoreError wraps a persistence failure with the store operation that produced it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// DispatchError reports that an event could not be handed to a destination.
type DispatchError struct {
	Destination string
	Reason      string
	Err         error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dispatch to %s: %s: %v", e.Destination, e.Reason, e.Err)
	}
	return fmt.Sprintf("dispatch to %s: %s", e.Destination, e.Reason)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// storeErr maps repository errors onto the service taxonomy.
func storeErr(op string, err error, notFound error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, domain.ErrNotFound) && notFound != nil:
		return fmt.Errorf("%w: %v", notFound, err)
	case errors.Is(err, domain.ErrDuplicate):
		return fmt.Errorf("%w: %v", ErrDuplicateMessage, err)
	}
	return &StoreError{Op: op, Err: err}
}
