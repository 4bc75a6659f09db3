package types

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// HealthResponse is the body of GET /sync/debug.
type HealthResponse struct {
	Success bool `json:"success"`
}
