package storage

import (
	"errors"
	"fmt"
)

// ErrorKind tells the storage manager whether an operation is worth retrying.
type ErrorKind int

const (
	// KindTransient covers network and backend hiccups; callers retry with
	// backoff.
	KindTransient ErrorKind = iota
	// KindPermanent covers errors the backend will keep reporting (bad
	// bucket, invalid key). Never retried.
	KindPermanent
	// KindNotFound is a missing object on Get.
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindNotFound:
		return "not_found"
	}
	return "unknown"
}

// Error is the provider-level failure type.
type Error struct {
	Kind     ErrorKind
	Provider string
	Op       string
	Key      string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s: provider=%s op=%s key=%s: %v", e.Kind, e.Provider, e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewTransient(provider, op, key string, err error) *Error {
	return &Error{Kind: KindTransient, Provider: provider, Op: op, Key: key, Err: err}
}

func NewPermanent(provider, op, key string, err error) *Error {
	return &Error{Kind: KindPermanent, Provider: provider, Op: op, Key: key, Err: err}
}

func NewNotFound(provider, key string) *Error {
	return &Error{Kind: KindNotFound, Provider: provider, Op: "get", Key: key, Err: errors.New("object not found")}
}

func IsTransient(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindTransient
}

func IsNotFound(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindNotFound
}
