package delivery

import (
	"errors"
	"fmt"
)

// FailureKind classifies why a send did not go through
type FailureKind int

const (
	// Transient failures are retried on the next invocation
	Transient FailureKind = iota
	// PlatformRejected means the platform refused the request itself
	PlatformRejected
	// PermanentRecipient means the recipient does not exist or blocked us
	PermanentRecipient
)

func (k FailureKind) String() string {
	switch k {
	case PermanentRecipient:
		return "permanent_recipient"
	case PlatformRejected:
		return "platform_rejected"
	default:
		return "transient"
	}
}

// Failure is the error every channel returns for a failed send
type Failure struct {
	Kind    FailureKind
	Channel ChannelKind
	Err     error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s delivery failed (%s): %v", f.Channel, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// NewFailure wraps err with a classification
func NewFailure(kind FailureKind, ch ChannelKind, err error) *Failure {
	return &Failure{Kind: kind, Channel: ch, Err: err}
}

// KindOf returns the failure kind of err. Errors that are not a Failure are
// treated as transient.
func KindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return Transient
}

// IsPermanent reports whether the recipient can never be reached
func IsPermanent(err error) bool {
	return err != nil && KindOf(err) == PermanentRecipient
}

// IsRejected reports whether the platform refused the request
func IsRejected(err error) bool {
	return err != nil && KindOf(err) == PlatformRejected
}

// IsTransient reports whether the send may succeed on a later invocation
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == Transient
}
