package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// Kind is the closed set of error classes the settlement layer produces.
// Callers map a kind exactly once at the API boundary, they never match on
// message strings.
type Kind int

const (
	UnknownError Kind = iota
	ValidationError
	UnauthorizedError
	BackendError
	NotFoundError
	ConflictError
)

type SettleError struct {
	Message string `json:"message"`
	Err     error  `json:"-"`
	Kind    Kind   `json:"code"`
}

func New(kind Kind, err error) SettleError {
	return SettleError{Err: err, Message: err.Error(), Kind: kind}
}

func Newf(kind Kind, format string, args ...interface{}) SettleError {
	return New(kind, fmt.Errorf(format, args...))
}

func (e SettleError) Error() string {
	j, err := json.Marshal(&e)
	if err != nil {
		return e.Message
	}
	return string(j)
}

func (e SettleError) Unwrap() error {
	return e.Err
}

// KindOf extracts the kind of err, UnknownError for anything that did not
// originate in this package.
func KindOf(err error) Kind {
	var se SettleError
	if stderrors.As(err, &se) {
		return se.Kind
	}
	return UnknownError
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// MessageOf returns the plain message of err without the json envelope.
func MessageOf(err error) string {
	var se SettleError
	if stderrors.As(err, &se) {
		return se.Message
	}
	return err.Error()
}
