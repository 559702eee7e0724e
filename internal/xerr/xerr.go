// Package xerr defines the error kinds used across the fan-out pipeline
// (spec §7): each worker loop classifies failures into one of these
// instead of letting anything escape to the top level.
package xerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for handling purposes (spec §7).
type Kind string

const (
	// KindUpstreamTransient covers network blips and socket closes;
	// callers retry with backoff.
	KindUpstreamTransient Kind = "upstream_transient"
	// KindUpstreamProtocol covers a malformed upstream payload; callers
	// warn and drop the single message.
	KindUpstreamProtocol Kind = "upstream_protocol"
	// KindConfigInvalid covers a bad symbol or bad params at session
	// start; callers report to the client and close the connection.
	KindConfigInvalid Kind = "config_invalid"
	// KindParamInvalid covers a bad mid-session parameter update;
	// callers report an error but keep the connection and prior params.
	KindParamInvalid Kind = "param_invalid"
	// KindSubscriberSend covers a single subscriber's send failing;
	// callers mark that subscriber for removal and keep broadcasting.
	KindSubscriberSend Kind = "subscriber_send"
	// KindInternal covers anything unexpected; callers log with
	// context, notify affected subscribers generically, and keep
	// running.
	KindInternal Kind = "internal"
)

// Error wraps an underlying cause with a Kind and free-form context.
type Error struct {
	Kind    Kind
	Context string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Context)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Context, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(kind Kind, context string, cause error) *Error {
	return &Error{Kind: kind, Context: context, Cause: cause}
}

func UpstreamTransient(context string, cause error) error {
	return newErr(KindUpstreamTransient, context, cause)
}

func UpstreamProtocol(context string, cause error) error {
	return newErr(KindUpstreamProtocol, context, cause)
}

func ConfigInvalid(context string, cause error) error {
	return newErr(KindConfigInvalid, context, cause)
}

func ParamInvalid(context string, cause error) error {
	return newErr(KindParamInvalid, context, cause)
}

func SubscriberSend(context string, cause error) error {
	return newErr(KindSubscriberSend, context, cause)
}

func Internal(context string, cause error) error {
	return newErr(KindInternal, context, cause)
}

// KindOf extracts the Kind from err, returning KindInternal for any
// error that wasn't constructed via this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err should be retried with backoff (spec
// §7: upstream connection establishment/reads and 5xx history calls).
func IsRetryable(err error) bool {
	return KindOf(err) == KindUpstreamTransient
}
