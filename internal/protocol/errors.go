package protocol

// Error codes carried in ErrorResponse.Code.
const (
	ErrBadRequest       = "E_BAD_REQUEST"
	ErrSchema           = "E_SCHEMA"
	ErrMethodNotAllowed = "E_METHOD_NOT_ALLOWED"
	ErrNotFound         = "E_NOT_FOUND"
	ErrTooLarge         = "E_TOO_LARGE"
	ErrInternal         = "E_INTERNAL"
)
