package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// ErrIntegrity marks schema or constraint violations. These are bug-class
// errors: callers must not retry and must surface them loudly.
var ErrIntegrity = errors.New("integrity error")

// ErrStorage marks transient warehouse failures (unreachable, serialization
// conflicts, statement timeouts). Callers may retry once; beyond that they
// exit without advancing cursors.
var ErrStorage = errors.New("storage error")

// classify tags an error as integrity or storage based on the Postgres
// error class. Class 23 (integrity constraint violation) and class 42
// (syntax/undefined object) are non-retryable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, context.Canceled) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		class := string(pqErr.Code.Class())
		if class == "23" || class == "42" {
			return fmt.Errorf("%w: %v", ErrIntegrity, err)
		}
		// 40001 serialization_failure and 40P01 deadlock are retryable.
		if class == "40" || strings.HasPrefix(string(pqErr.Code), "57") {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrStorage, err)
}

// IsRetryable reports whether err is a transient storage failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorage)
}
