package models

// APIResponse is the uniform body returned by every public endpoint. Only the
// coarse success/failure category is exposed to callers; detailed causes stay
// in server-side logs keyed by rid.
type APIResponse struct {
	Success bool   `json:"success"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func OK() APIResponse {
	return APIResponse{Success: true, Code: 200, Message: "ok"}
}

func Failure(code int, message string) APIResponse {
	return APIResponse{Success: false, Code: code, Message: message}
}
