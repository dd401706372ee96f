package core

import (
	"context"
	"fmt"
	"strings"
)

// RecordStore loads the record collection at the start of a run and persists it at the end.
//
// Save replaces the whole persisted collection. Implementations must make the
// replacement atomic for other readers: they observe either the old or the new
// collection, never a partial write.
type RecordStore[T any] interface {
	Load(ctx context.Context) ([]T, error)
	Save(ctx context.Context, records []T) error
}

// StorageError reports a load or save failure of a RecordStore.
type StorageError struct {
	Op      string
	Backend string
	Err     error
}

func (e *StorageError) Error() string {
	if e == nil {
		return "storage error"
	}
	parts := []string{"storage error:"}
	if strings.TrimSpace(e.Backend) != "" {
		parts = append(parts, "backend="+e.Backend)
	}
	if strings.TrimSpace(e.Op) != "" {
		parts = append(parts, "op="+e.Op)
	}
	msg := strings.Join(parts, " ")
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	return msg
}

func (e *StorageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// TransientError marks an error as retryable by worker implementations.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	if e == nil || e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// LimitedTransientError is retryable, but caps the number of extra attempts
// regardless of the worker's configured retry budget.
type LimitedTransientError struct {
	Err          error
	ExtraRetries int
}

func (e *LimitedTransientError) Error() string {
	if e == nil || e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

func (e *LimitedTransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// MaxExtraRetries reports the retry cap carried by the error.
func (e *LimitedTransientError) MaxExtraRetries() int {
	if e == nil {
		return 0
	}
	return e.ExtraRetries
}

// Split loads from one store and saves to another, e.g. an input and an output dataset.
func Split[T any](load, save RecordStore[T]) RecordStore[T] {
	return splitStore[T]{load: load, save: save}
}

type splitStore[T any] struct {
	load RecordStore[T]
	save RecordStore[T]
}

func (s splitStore[T]) Load(ctx context.Context) ([]T, error) { return s.load.Load(ctx) }

func (s splitStore[T]) Save(ctx context.Context, records []T) error {
	return s.save.Save(ctx, records)
}
