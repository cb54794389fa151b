// Package xerrors defines the error-kind taxonomy propagated between
// components and mapped onto outbound event payloads. It mirrors the
// teacher's plain fmt.Errorf wrapping style rather than reaching for an
// error-chain library the teacher itself never imports.
package xerrors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for event payloads and retry policy.
type Kind string

const (
	// Transport
	KindDialTimeout     Kind = "DialTimeout"
	KindRefused         Kind = "Refused"
	KindUnreachable     Kind = "Unreachable"
	KindTlsError        Kind = "TlsError"
	KindRelayUnavailable Kind = "RelayUnavailable"
	KindHolePunchFailed Kind = "HolePunchFailed"

	// DHT
	KindLookupTimeout     Kind = "LookupTimeout"
	KindNoProviders       Kind = "NoProviders"
	KindRecordExpired     Kind = "RecordExpired"
	KindRoutingTableEmpty Kind = "RoutingTableEmpty"

	// Storage
	KindIoError         Kind = "IoError"
	KindChunkCorrupted  Kind = "ChunkCorrupted"
	KindStorageExhausted Kind = "StorageExhausted"
	KindMerkleMismatch  Kind = "MerkleMismatch"

	// Protocol
	KindBadFrame          Kind = "BadFrame"
	KindUnsupportedVersion Kind = "UnsupportedVersion"
	KindRangeUnsupported  Kind = "RangeUnsupported"
	KindWeakEtag          Kind = "WeakEtag"
	KindEtagChanged       Kind = "EtagChanged"
	KindHttp416           Kind = "Http416"

	// Policy
	KindRateLimited       Kind = "RateLimited"
	KindQuotaExceeded     Kind = "QuotaExceeded"
	KindReservationRefused Kind = "ReservationRefused"
	KindUnauthorized      Kind = "Unauthorized"

	// Payment (surfaced but out of core logic)
	KindInsufficientBalance Kind = "InsufficientBalance"
	KindPaymentRejected     Kind = "PaymentRejected"

	// Hash mismatch on a single chunk during transfer, distinct from
	// ChunkCorrupted (which is a local-storage read failure).
	KindChunkHashMismatch Kind = "ChunkHashMismatch"
)

// retryable holds the kinds that are locally recoverable by retry-with-
// backoff or peer-swap, per the error handling design's propagation table.
var retryable = map[Kind]bool{
	KindDialTimeout:       true,
	KindRefused:           true,
	KindUnreachable:       true,
	KindRelayUnavailable:  true,
	KindHolePunchFailed:   true,
	KindLookupTimeout:     true,
	KindRateLimited:       true,
	KindChunkHashMismatch: true,
}

// CoreError is the error type returned across component boundaries.
type CoreError struct {
	Kind          Kind
	Message       string
	RetryPossible bool
	Err           error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Err }

// New builds a CoreError, deriving RetryPossible from the kind unless the
// zero value is overridden afterward by the caller.
func New(kind Kind, message string, err error) *CoreError {
	return &CoreError{
		Kind:          kind,
		Message:       message,
		RetryPossible: retryable[kind],
		Err:           err,
	}
}

// Wrapf formats the message with fmt.Sprintf before wrapping err, mirroring
// the teacher's fmt.Errorf("...: %w", err) idiom at the call sites.
func Wrapf(kind Kind, err error, format string, args ...any) *CoreError {
	return New(kind, fmt.Sprintf(format, args...), err)
}

// Is reports whether err (or something it wraps) is a CoreError of kind k.
func Is(err error, k Kind) bool {
	for err != nil {
		if ce, ok := err.(*CoreError); ok && ce.Kind == k {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}
