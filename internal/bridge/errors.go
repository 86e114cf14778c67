package bridge

import (
	"errors"
	"fmt"
)

// ErrNotOfflineCapable is returned for create, save and delete while
// offline when the entity lacks the pending-change attributes.
var ErrNotOfflineCapable = errors.New("bridge: entity is not offline capable")

// ErrReconcileInProgress is returned when ReenableOnlineMode is called
// while a previous reconciliation is still running.
var ErrReconcileInProgress = errors.New("bridge: reconciliation already running")

// ErrorCode categorizes bridge errors.
type ErrorCode string

const (
	// ErrCodeTransport marks a connection reply the bridge cannot use, such
	// as a bulk result of the wrong length. Errors returned by the
	// connection itself are passed through unwrapped.
	ErrCodeTransport ErrorCode = "TRANSPORT"

	// ErrCodeStore marks a failed transaction. None of its changes are
	// visible.
	ErrCodeStore ErrorCode = "STORE"

	// ErrCodeSchema marks a request the schema cannot serve, such as an
	// unknown entity or a relationship without a to-one inverse.
	ErrCodeSchema ErrorCode = "SCHEMA"

	// ErrCodeOffline marks a request rejected by offline mode.
	ErrCodeOffline ErrorCode = "OFFLINE"

	// ErrCodeTransfer marks a value that could not be moved between
	// execution contexts.
	ErrCodeTransfer ErrorCode = "TRANSFER"
)

// Error describes a failed bridge operation.
type Error struct {
	Code ErrorCode
	// Op is the operation name: fetch, create, reload, save, delete,
	// fetch_relationship or reconcile.
	Op        string
	Entity    string
	RequestID string
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Op)
	if e.Entity != "" {
		msg += " " + e.Entity
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.RequestID != "" {
		msg += fmt.Sprintf(" (request=%s)", e.RequestID)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func hasCode(err error, code ErrorCode) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}

// IsStoreError reports whether err is a bridge store failure.
func IsStoreError(err error) bool { return hasCode(err, ErrCodeStore) }

// IsSchemaError reports whether err is a bridge schema failure.
func IsSchemaError(err error) bool { return hasCode(err, ErrCodeSchema) }

// IsOfflineError reports whether err was raised by offline mode.
func IsOfflineError(err error) bool { return hasCode(err, ErrCodeOffline) }

// IsTransferError reports whether err is a failed context transfer.
func IsTransferError(err error) bool { return hasCode(err, ErrCodeTransfer) }

// IsTransportError reports whether err is an unusable connection reply.
func IsTransportError(err error) bool { return hasCode(err, ErrCodeTransport) }
