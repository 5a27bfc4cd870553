// Sentinel errors shared across mesh components. Callers compare with
// errors.Is rather than matching on message text.

package mesh

import "errors"

var (
	// Router (C1/C2)
	ErrRouteConflict    = errors.New("mesh: conflicting route registration")
	ErrUnknownCapture   = errors.New("mesh: rewrite destination references an unknown capture name")
	ErrDuplicateCapture = errors.New("mesh: duplicate parameter name in pattern")
	ErrBadPattern       = errors.New("mesh: malformed route pattern")
	ErrBadStatus        = errors.New("mesh: rewrite status out of range")

	// HTTP connection (C4)
	ErrHeaderTooLarge    = errors.New("mesh: request headers exceed configured limit")
	ErrBadRequestLine    = errors.New("mesh: malformed request line")
	ErrBadHeaderLine     = errors.New("mesh: malformed header line")
	ErrUnsupportedEncode = errors.New("mesh: unsupported transfer-encoding")
	ErrBodyTooLarge      = errors.New("mesh: request body exceeds configured maximum")
	ErrRangeUnsatisfied  = errors.New("mesh: range not satisfiable")

	// Authentication (C7)
	ErrAuthRequired = errors.New("mesh: authentication required")
	ErrAuthRejected = errors.New("mesh: authentication rejected")
	ErrAuthCooldown = errors.New("mesh: authentication retried before cooldown elapsed")
	ErrNoVerifier   = errors.New("mesh: no credential verifier configured")

	// Ban set
	ErrBanned = errors.New("mesh: remote address is banned")

	// Peer crypt core (C8)
	ErrFrameTooShort = errors.New("mesh: peer frame shorter than minimum length")
	ErrFrameBadCRC   = errors.New("mesh: peer frame checksum mismatch")
	ErrFrameBadAEAD  = errors.New("mesh: peer frame failed AEAD authentication")
	ErrFrameBadSeq   = errors.New("mesh: peer frame sequence outside acceptance window")
	ErrFrameBadKind  = errors.New("mesh: peer frame kind out of range")
	ErrFrameBadHW    = errors.New("mesh: peer frame hardware kind out of range")
	ErrFrameBadAlgo  = errors.New("mesh: peer frame hash algorithm out of range")
	ErrBearerBadB64  = errors.New("mesh: bearer token is not valid base64url")
	ErrBearerBadKind = errors.New("mesh: bearer token kind does not match expectation")
	ErrBearerBadLen  = errors.New("mesh: bearer token decodes to the wrong frame length")

	// Peer cache (C10/C11)
	ErrNoHash          = errors.New("mesh: download request carries no content hash")
	ErrUnknownHash     = errors.New("mesh: no hasher registered for algorithm")
	ErrNoOutput        = errors.New("mesh: no output stream for download")
	ErrBelowMinSize    = errors.New("mesh: file is below the configured minimum size for its store")
	ErrCacheMiss       = errors.New("mesh: no local or peer copy available")
	ErrPartialNotFound = errors.New("mesh: no partial registered for that id or hash")
	ErrSizeMismatch    = errors.New("mesh: cached file size does not match expected size")
)
