package protocol

import "fmt"

// Kind classifies a protocol error into one of the stable categories
// surfaced to REST callers and gossip peers.
type Kind string

const (
	KindInvalid       Kind = "Invalid"       // envelope integrity or schema failure
	KindUnauthorized  Kind = "Unauthorized"  // issuer does not own the referenced resource
	KindDuplicate     Kind = "Duplicate"     // nonce already consumed or hash already committed
	KindOutOfOrder    Kind = "OutOfOrder"    // nonce > head+1; buffered, not rejected
	KindStaleResource Kind = "StaleResource" // prev does not match current resource head
	KindNotFound      Kind = "NotFound"      // resource does not exist in derived state
	KindConflict      Kind = "Conflict"      // domain precondition violated
	KindRateLimited   Kind = "RateLimited"   // issuer or peer exceeded budget
	KindTransient     Kind = "Transient"     // storage/network error, retryable
)

// Error is the typed result value crossing every domain boundary.
// Code is a stable machine-readable string; Message is for humans.
type Error struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
}

// Errf constructs an Error with a formatted message.
func Errf(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Stable codes used across the validation pipeline and reducers.
const (
	CodeBadCanonicalForm  = "BAD_CANONICAL_FORM"
	CodeHashMismatch      = "HASH_MISMATCH"
	CodeSigMismatch       = "SIG_MISMATCH"
	CodeIssuerKeyMismatch = "ISSUER_KEY_MISMATCH"
	CodeBadPayload        = "BAD_PAYLOAD"
	CodeUnknownType       = "UNKNOWN_TYPE"
	CodeNonceReplayed     = "NONCE_REPLAYED"
	CodeNonceGap          = "NONCE_GAP"
	CodeNonceConflict     = "NONCE_CONFLICT"
	CodeStalePrev         = "STALE_PREV"
	CodeDuplicateCreate   = "DUPLICATE_CREATE"
	CodeMissingPrev       = "MISSING_PREV"
	CodeNotFound          = "NOT_FOUND"
	CodeNotIssuer         = "NOT_ISSUER"
	CodeInsufficient      = "INSUFFICIENT_BALANCE"
	CodeTerminalState     = "TERMINAL_STATE"
	CodeBadTransition     = "BAD_TRANSITION"
	CodeSumMismatch       = "SUM_MISMATCH"
	CodeStorage           = "STORAGE"
	CodeRateLimited       = "RATE_LIMITED"
)

// HTTPStatus maps an error kind to the REST adapter's status code.
func HTTPStatus(k Kind) int {
	switch k {
	case KindInvalid:
		return 400
	case KindUnauthorized:
		return 401
	case KindNotFound:
		return 404
	case KindDuplicate, KindConflict, KindStaleResource:
		return 409
	case KindOutOfOrder:
		return 202
	case KindRateLimited:
		return 429
	case KindTransient:
		return 503
	default:
		return 500
	}
}
