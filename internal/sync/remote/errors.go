package remote

import (
	"encoding/json"
	"errors"
	"strings"
)

// AsHTTPError returns the *HTTPError in err's chain.
func AsHTTPError(err error) (*HTTPError, bool) {
	var he *HTTPError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}

// IDFromBody extracts the "id" field of a JSON object response. Numeric IDs are returned in their literal form.
func IDFromBody(body []byte) string {
	var v struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(body, &v); err != nil || len(v.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(v.ID, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(v.ID, &n); err == nil {
		return strings.TrimSpace(n.String())
	}
	return ""
}
