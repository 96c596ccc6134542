package models

// API response types for consistent JSON responses. Every endpoint returns
// the same envelope: {success, data} on success, {success, error{code,
// message}} on failure.

// APIError is the structured error payload of a failed API response.
type APIError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// APIResponse is the uniform response envelope.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
}

// Success creates a successful API response with result data.
func Success(data interface{}) APIResponse {
	return APIResponse{Success: true, Data: data}
}

// Fail creates an error API response with a code and message.
func Fail(code ErrorCode, message string) APIResponse {
	return APIResponse{Success: false, Error: &APIError{Code: code, Message: message}}
}

// FailFromError creates an error API response from a taxonomy error.
func FailFromError(err error) APIResponse {
	return Fail(CodeFor(err), err.Error())
}
