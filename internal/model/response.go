package model

// ListResponse is the standard envelope for list endpoints, wrapping results
// in a "resource" array with optional metadata.
type ListResponse struct {
	Resource any           `json:"resource"`
	Meta     *ResponseMeta `json:"meta,omitempty"`
}

// ResponseMeta contains count and timing information for list responses.
type ResponseMeta struct {
	Count  int     `json:"count"`
	TookMs float64 `json:"took_ms,omitempty"`
}

// ErrorResponse is the standard envelope for error responses.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the structured error information returned by the API.
type ErrorDetail struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Reason  string         `json:"reason,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}
