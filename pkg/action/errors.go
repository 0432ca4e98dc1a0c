package action

import "errors"

// Engine error taxonomy. Inbound verification and schema errors are
// terminal: the action is dropped and audited, never retried. Delivery
// errors distinguish retryable from terminal explicitly.
var (
	// ErrMalformed marks an unparseable token or payload.
	ErrMalformed = errors.New("malformed token")
	// ErrSignatureInvalid marks a failed cryptographic check.
	ErrSignatureInvalid = errors.New("signature invalid")
	// ErrKeyUnavailable marks a public key the resolver could not obtain,
	// possibly served from the negative cache.
	ErrKeyUnavailable = errors.New("signing key unavailable")
	// ErrExpired marks a token past its expiry.
	ErrExpired = errors.New("token expired")
	// ErrSchemaViolation marks content failing the type definition schema.
	ErrSchemaViolation = errors.New("schema violation")
	// ErrPermissionDenied marks an audience or visibility rule violation.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrDeliveryTransient marks a retryable delivery failure.
	ErrDeliveryTransient = errors.New("transient delivery failure")
	// ErrDeliveryPermanent marks a terminal delivery failure.
	ErrDeliveryPermanent = errors.New("permanent delivery failure")

	// ErrUnknownType marks an action type with no registered definition.
	ErrUnknownType = errors.New("unknown action type")
	// ErrDuplicate marks an already-known action id or dedupe key.
	ErrDuplicate = errors.New("duplicate action")
	// ErrNotFound marks a missing action, profile or tenant.
	ErrNotFound = errors.New("not found")
	// ErrInvalidStatus marks a status letter outside the defined set.
	ErrInvalidStatus = errors.New("invalid status")
	// ErrStatusTransition marks an illegal status transition.
	ErrStatusTransition = errors.New("illegal status transition")
)
