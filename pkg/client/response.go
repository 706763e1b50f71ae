package client

import (
	"encoding/json"
	"fmt"
)

// WebResponse is a classified upstream response. For JSON responses the
// Bungie envelope is parsed and Content holds the unwrapped Response field
// (or the whole body when no envelope is present). For octet-stream
// responses Content holds the raw body.
type WebResponse struct {
	Status  int
	Content json.RawMessage

	// Envelope fields, zero when absent.
	ErrorStatus     string
	ErrorCode       int
	ErrorMessage    string
	ThrottleSeconds float64

	FromCache bool
	Success   bool
}

// envelope mirrors the standard Bungie response wrapper. OAuth token
// endpoints use error_description instead of ErrorStatus.
type envelope struct {
	Response         json.RawMessage `json:"Response"`
	ErrorCode        int             `json:"ErrorCode"`
	ErrorStatus      string          `json:"ErrorStatus"`
	Message          string          `json:"Message"`
	ThrottleSeconds  float64         `json:"ThrottleSeconds"`
	ErrorDescription string          `json:"error_description"`
}

// parseWebResponse decodes a JSON body into a WebResponse, extracting the
// envelope error fields when present.
func parseWebResponse(status int, body []byte) (*WebResponse, error) {
	if !json.Valid(body) {
		return nil, fmt.Errorf("invalid json payload (status %d)", status)
	}

	wr := &WebResponse{
		Status:  status,
		Content: body,
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		// Valid JSON but not an object (e.g. a bare array); no envelope.
		return wr, nil
	}

	wr.ErrorStatus = env.ErrorStatus
	if wr.ErrorStatus == "" {
		wr.ErrorStatus = env.ErrorDescription
	}
	wr.ErrorCode = env.ErrorCode
	wr.ErrorMessage = env.Message
	wr.ThrottleSeconds = env.ThrottleSeconds

	if len(env.Response) > 0 {
		wr.Content = env.Response
	}

	return wr, nil
}

// Decode unmarshals the response content into v.
func (r *WebResponse) Decode(v any) error {
	if err := json.Unmarshal(r.Content, v); err != nil {
		return fmt.Errorf("decode response content: %w", err)
	}
	return nil
}

// Empty reports whether the response carries no content.
func (r *WebResponse) Empty() bool {
	switch string(r.Content) {
	case "", "null", "{}", "[]":
		return true
	}
	return false
}
