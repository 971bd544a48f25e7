package uspt

import (
	"errors"
)

//Error kinds. Every error returned by the engine wraps exactly one of these, use Kind or errors.Is to classify
var (
	//ErrInvalidState means the operation needs an active (or inactive) session/batch that isn't
	ErrInvalidState = errors.New("invalid state")
	//ErrNotFound means an ack id or address does not correspond to a live entry
	ErrNotFound = errors.New("not found")
	//ErrCapacity means the event queue or the counter storage is exhausted
	ErrCapacity = errors.New("capacity exhausted")
	//ErrNotConfigured means a counter was read before it was configured
	ErrNotConfigured = errors.New("not configured")
	//ErrUnsupported means a requested capability is not available for this guest
	ErrUnsupported = errors.New("unsupported")
	//ErrInternal wraps failures of the host platform primitives
	ErrInternal = errors.New("internal error")
)

var (
	ErrAlreadyActive = wrapKind(ErrInvalidState, "session already active")
	ErrNoSession     = wrapKind(ErrInvalidState, "no active session")
	//ErrAborted is returned to guest contexts that were released by Reset instead of an ack
	ErrAborted = wrapKind(ErrInvalidState, "event aborted by reset")
)

var allKinds = []error{ErrInvalidState, ErrNotFound, ErrCapacity, ErrNotConfigured, ErrUnsupported, ErrInternal}

type kindError struct {
	kind error
	msg  string
}

func (k *kindError) Error() string {
	return k.msg + " : " + k.kind.Error()
}

func (k *kindError) Unwrap() error {
	return k.kind
}

func wrapKind(kind error, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

//Kind returns the error kind err belongs to. Errors not produced by the engine are reported as ErrInternal.
//Kind(nil) is nil
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range allKinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrInternal
}
