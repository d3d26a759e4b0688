package httpresp

const (
	ErrUnauthorized       = "unauthorized"
	ErrMissingBearerToken = "bearer token is required"
	ErrInvalidToken       = "invalid token"
	ErrForbidden          = "forbidden"
	ErrInsufficientRole   = "insufficient permissions"
	ErrNotFound           = "not found"
	ErrDuplicate          = "duplicate request"
	ErrInternal           = "internal error"
	ErrIdentityUnresolved = "connection identity could not be resolved"
	ErrIdsQueryRequired   = "ids query parameter is required"
	ErrOtherIDRequired    = "other participant id is required"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type CountResponse struct {
	Count int `json:"count"`
}

func NewErrorResponse(message string) ErrorResponse {
	return ErrorResponse{Error: message}
}

func NewOKResponse() OKResponse {
	return OKResponse{OK: true}
}

func NewCountResponse(count int) CountResponse {
	return CountResponse{Count: count}
}
