package common

// Error code constants shared by the HTTP layer and domain packages.
const (
	ErrCodeBadRequest  = "bad_request"
	ErrCodeNotFound    = "not_found"
	ErrCodeConflict    = "conflict"
	ErrCodeBanned      = "banned"
	ErrCodeRateLimited = "rate_limited"
	ErrCodeInternal    = "internal_error"
)

// MapErrorCodeToHTTP maps domain error codes to HTTP status.
func MapErrorCodeToHTTP(code string) int {
	switch code {
	case ErrCodeBadRequest:
		return 400
	case ErrCodeNotFound:
		return 404
	case ErrCodeConflict:
		return 409
	case ErrCodeBanned:
		return 403
	case ErrCodeRateLimited:
		return 429
	case ErrCodeInternal:
		return 500
	default:
		return 500
	}
}
