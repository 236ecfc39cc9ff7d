package clients

import (
	"encoding/json"
	"fmt"
)

// RemoteError is the body the OCR server sends with a non-2xx status.
// It is a plain data shape; RejectedError is the error built from it.
type RemoteError struct {
	Error   *string     `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// Message picks error, then details, then a generic text.
func (r RemoteError) Message() string {
	if r.Error != nil && *r.Error != "" {
		return *r.Error
	}

	switch d := r.Details.(type) {
	case nil:
	case string:
		if d != "" {
			return d
		}
	default:
		if b, err := json.Marshal(d); err == nil {
			return string(b)
		}
	}

	return "the OCR server returned an error without details"
}

// RejectedError reports a request the server understood and refused.
type RejectedError struct {
	StatusCode int
	Remote     RemoteError
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Remote.Message())
}
