package foundryio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/shpitdev/developer-enricher/pkg/foundry"
	"github.com/shpitdev/developer-enricher/pkg/pipeline/core"
	localio "github.com/shpitdev/developer-enricher/pkg/pipeline/io/local"
	"github.com/shpitdev/developer-enricher/pkg/pipeline/worker"
)

const (
	backendFoundry = "foundry"

	// DefaultFilePath is the dataset file holding the record array.
	DefaultFilePath = "developers.json"

	defaultAttempts = 8
	defaultBackoff  = 200 * time.Millisecond
	maxBackoff      = 2 * time.Second
)

// Store keeps the record collection as one JSON file in a Foundry dataset.
//
// Load reads the file as of the branch's latest transaction. Save writes a SNAPSHOT
// transaction holding only that file, so readers see either the previous or the new
// collection.
type Store[T any] struct {
	client   *foundry.Client
	ref      foundry.DatasetRef
	filePath string

	// Attempts and Backoff bound the retries of transient API failures.
	Attempts int
	Backoff  time.Duration
}

func NewStore[T any](client *foundry.Client, ref foundry.DatasetRef, filePath string) *Store[T] {
	if strings.TrimSpace(filePath) == "" {
		filePath = DefaultFilePath
	}
	return &Store[T]{
		client:   client,
		ref:      ref,
		filePath: strings.TrimSpace(filePath),
		Attempts: defaultAttempts,
		Backoff:  defaultBackoff,
	}
}

func (s *Store[T]) Load(ctx context.Context) ([]T, error) {
	var b []byte
	err := s.retry(ctx, func() error {
		var err error
		b, err = s.client.ReadFile(ctx, s.ref, s.filePath)
		return err
	})
	if err != nil {
		return nil, &core.StorageError{Op: "load", Backend: backendFoundry, Err: err}
	}
	records, err := localio.DecodeRecords[T](b)
	if err != nil {
		return nil, &core.StorageError{Op: "load", Backend: backendFoundry, Err: err}
	}
	return records, nil
}

func (s *Store[T]) Save(ctx context.Context, records []T) error {
	b, err := localio.EncodeRecords(records)
	if err != nil {
		return &core.StorageError{Op: "save", Backend: backendFoundry, Err: err}
	}
	if err := s.upload(ctx, b); err != nil {
		return &core.StorageError{Op: "save", Backend: backendFoundry, Err: err}
	}
	return nil
}

// upload writes b into a new transaction and commits it. When the dataset already has an
// open transaction (left by a build or an earlier run), the file is written into that one
// and committing is left to its owner.
func (s *Store[T]) upload(ctx context.Context, b []byte) error {
	var txnID string
	createdTxn := true
	err := s.retry(ctx, func() error {
		var err error
		txnID, err = s.client.CreateTransaction(ctx, s.ref)
		return err
	})
	if err != nil {
		if !isOpenTransactionAlreadyExists(err) {
			return err
		}
		createdTxn = false

		var ok bool
		err = s.retry(ctx, func() error {
			var err error
			txnID, ok, err = s.client.FindLatestOpenTransaction(ctx, s.ref.RID)
			return err
		})
		if err != nil {
			return err
		}
		if !ok || txnID == "" {
			return fmt.Errorf("dataset has an open transaction but none was listed as OPEN")
		}
	}

	if err := s.retry(ctx, func() error {
		return s.client.UploadFile(ctx, s.ref.RID, txnID, s.filePath, "application/json", b)
	}); err != nil {
		if createdTxn {
			// Best effort; the upload error is what the caller needs.
			_ = s.client.AbortTransaction(context.WithoutCancel(ctx), s.ref.RID, txnID)
		}
		return err
	}

	if createdTxn {
		return s.retry(ctx, func() error {
			return s.client.CommitTransaction(ctx, s.ref.RID, txnID)
		})
	}
	return nil
}

func isOpenTransactionAlreadyExists(err error) bool {
	var he *foundry.HTTPError
	if !errors.As(err, &he) {
		return false
	}
	if he.StatusCode != http.StatusConflict {
		return false
	}
	return he.ErrorName == "OpenTransactionAlreadyExists" || he.ErrorCode == "CONFLICT"
}

// isTransient extends worker.IsTransient with the dataset API's retryable statuses and
// dropped connections.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var he *foundry.HTTPError
	if errors.As(err, &he) {
		return he.Retryable()
	}
	if worker.IsTransient(err) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED)
}

func (s *Store[T]) retry(ctx context.Context, f func() error) error {
	attempts := s.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	_, err := worker.Retry(ctx, func(context.Context) (struct{}, error) {
		return struct{}{}, f()
	}, nil, worker.Options{
		MaxRetries:     attempts - 1,
		BackoffInitial: s.Backoff,
		BackoffMax:     maxBackoff,
		Transient:      isTransient,
	})
	return err
}
