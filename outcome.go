package casesync

import (
	"fmt"

	"github.com/pkg/errors"
)

// Op classifies what the upsert stage did with one record.
type Op string

const (
	OpInserted Op = "inserted"
	OpUpdated  Op = "updated"
	OpNoChange Op = "no_change"
	OpFailed   Op = "failed"
)

// FailureReason classifies why a record or window could not be applied.
// The values double as stable counter and log labels.
type FailureReason string

const (
	ReasonMissingNaturalKey    FailureReason = "missing_natural_key"
	ReasonForeignKeyUnresolved FailureReason = "foreign_key_unresolved"
	ReasonValidation           FailureReason = "validation_error"
	ReasonTransientIO          FailureReason = "transient_io_error"
	ReasonIntegrityViolation   FailureReason = "integrity_violation"
	ReasonSchemaEvolution      FailureReason = "schema_evolution_error"
)

// Outcome is the result of pushing one record through the upsert stage.
type Outcome struct {
	Op      Op
	Changed []string      // columns written, set for OpUpdated
	Reason  FailureReason // set for OpFailed
	Err     error         // set for OpFailed
}

// FailureError is a typed stage failure carrying the classification and the
// record's natural key, so the coordinator can tally and report it without
// string matching. Wrapped causes stay reachable through Unwrap.
type FailureError struct {
	Reason FailureReason
	Key    string
	Err    error
}

func (e *FailureError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (key=%s)", e.Reason, e.Key)
	}
	return fmt.Sprintf("%s (key=%s): %v", e.Reason, e.Key, e.Err)
}

func (e *FailureError) Unwrap() error {
	return e.Err
}

// Failure wraps err as a FailureError with the given reason and key.
func Failure(reason FailureReason, key string, err error) error {
	return &FailureError{Reason: reason, Key: key, Err: err}
}

// AsFailure extracts a FailureError from err's chain.
func AsFailure(err error) (*FailureError, bool) {
	var fe *FailureError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// reasonOf classifies a store write error. Constraint rejections are
// integrity violations; everything else is treated as transient.
func reasonOf(err error) FailureReason {
	if errors.Is(err, ErrIntegrity) {
		return ReasonIntegrityViolation
	}
	return ReasonTransientIO
}
