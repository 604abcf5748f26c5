package deposit

import "errors"

// ErrSignatureRejected is returned by a Signer when the wallet owner declines
// the request.
var ErrSignatureRejected = errors.New("signature request rejected")

type Kind string

const (
	KindValidation      Kind = "validation"
	KindBootstrap       Kind = "bootstrap"
	KindConstruction    Kind = "construction"
	KindSigningRejected Kind = "signing_rejected"
	KindSubmission      Kind = "submission"
	KindConfirmation    Kind = "confirmation"
)

// Error is the failure returned by Orchestrator.Deposit. Message is the text
// shown to the user as is.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of a deposit failure, or "" when err did not come
// from the orchestrator.
func KindOf(err error) Kind {
	var depositErr *Error
	if errors.As(err, &depositErr) {
		return depositErr.Kind
	}
	return ""
}
