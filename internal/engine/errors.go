package engine

import (
	"errors"
	"fmt"
	"strings"

	"tributary/internal/repo"
)

// ValidationError is a caller fault: bad input shape or a missing required field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError names the missing entity. errors.Is(err, repo.ErrNotFound) holds.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

func (e *NotFoundError) Unwrap() error { return repo.ErrNotFound }

// CyclicDependencyError carries the cycle as table names, first and last equal.
type CyclicDependencyError struct {
	Path []string
}

func (e *CyclicDependencyError) Error() string {
	return "cyclic dependency: " + strings.Join(e.Path, " -> ")
}

type UnknownPartitionError struct {
	Table      string
	Partitions []string
}

func (e *UnknownPartitionError) Error() string {
	return fmt.Sprintf("table %s has no partition(s) %s", e.Table, strings.Join(e.Partitions, ", "))
}

type MissingRequiredPartitionError struct {
	Table      string
	Partitions []string
}

func (e *MissingRequiredPartitionError) Error() string {
	return fmt.Sprintf("table %s requires partition(s) %s", e.Table, strings.Join(e.Partitions, ", "))
}

// DispatchError is an operational failure of a downstream system, timeouts included.
type DispatchError struct {
	Method      string
	Destination string
	Err         error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s to %s: %v", e.Method, e.Destination, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// PersistenceError is a store failure; the current operation was rolled back.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsValidation reports whether err is caller-fault input: validation, cycle
// or partition errors.
func IsValidation(err error) bool {
	var (
		v  *ValidationError
		c  *CyclicDependencyError
		up *UnknownPartitionError
		mp *MissingRequiredPartitionError
	)
	return errors.As(err, &v) || errors.As(err, &c) || errors.As(err, &up) || errors.As(err, &mp)
}

// lookup maps repo.ErrNotFound to a NotFoundError and anything else to a
// PersistenceError.
func lookup(kind, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return &NotFoundError{Kind: kind, Key: key}
	}
	return persist("load "+kind, err)
}

// persist wraps store errors, leaving already-classified errors untouched.
func persist(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		nf *NotFoundError
		pe *PersistenceError
		de *DispatchError
	)
	if IsValidation(err) || errors.As(err, &nf) || errors.As(err, &pe) || errors.As(err, &de) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
