package lifecycle

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Sentinels are matched with errors.Is. Errors returned by the service are
// marked with one of them and may carry a user-facing hint.
var (
	ErrValidation             = errors.New("validation failed")
	ErrNotFound               = errors.New("document not found")
	ErrReceiverNotFound       = errors.New("receiver office not found")
	ErrForbidden              = errors.New("forbidden")
	ErrConflict               = errors.New("document status changed concurrently")
	ErrDuplicateKey           = errors.New("document key already exists")
	ErrKeyGenerationExhausted = errors.New("could not allocate a unique document key")
	ErrStoreUnavailable       = errors.New("store unavailable")
)

// DeniedError carries the transition that was refused and why.
type DeniedError struct {
	Reason DenyReason
	From   Status
	To     Status
	// Visible is false when the actor may not track the document; From
	// must not be shown to them.
	Visible bool
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("transition %s -> %s denied: %s", e.From, e.To, e.Reason)
}

// Hint returns the user-facing message attached to err, if any.
func Hint(err error) string {
	return errors.FlattenHints(err)
}

func validationError(hint string) error {
	return errors.Mark(errors.WithHint(errors.New(hint), hint), ErrValidation)
}

func deniedError(d Decision, from, to Status, visible bool) error {
	err := error(&DeniedError{Reason: d.Reason, From: from, To: to, Visible: visible})
	if d.Reason == ReasonInvalidStatus {
		err = errors.WithHint(err, "Invalid status.")
		// unknown statuses are both a refusal and bad input
		return errors.Mark(errors.Mark(err, ErrForbidden), ErrValidation)
	}
	return errors.Mark(errors.WithHint(err, "Not allowed to set this status."), ErrForbidden)
}

// storeError classifies a failure from the store. Known domain failures
// pass through; anything else is reported as the store being unavailable.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrNotFound, ErrReceiverNotFound, ErrDuplicateKey, ErrConflict, ErrForbidden, ErrValidation} {
		if errors.Is(err, known) {
			return err
		}
	}
	return errors.Mark(errors.Wrap(err, op), ErrStoreUnavailable)
}
