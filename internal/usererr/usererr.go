// Package usererr converts raw failure messages into a structured form that
// clients can render as title/details/suggestion. Parsing is best-effort: an
// unparseable message is preserved verbatim in the details.
package usererr

import (
	"encoding/json"
	"strings"
)

const fallbackTitle = "Computation failed"

// Error is the user-visible representation of a job failure.
type Error struct {
	Title      string `json:"title"`
	Details    string `json:"details"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details == "" {
		return e.Title
	}
	return e.Title + ": " + e.Details
}

// Parse turns a raw failure message into a structured Error.
//
// Two formats are recognized: a JSON object carrying title/details/suggestion
// fields, and a "Title: details" prefix convention. Anything else falls back
// to the raw message under a generic title.
func Parse(raw string) *Error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return &Error{Title: fallbackTitle}
	}

	if strings.HasPrefix(raw, "{") {
		var e Error
		if err := json.Unmarshal([]byte(raw), &e); err == nil && e.Title != "" {
			return &e
		}
	}

	// "Title: details" — only if the prefix looks like a short human title,
	// not an error-chain segment such as "submit circuit: dial tcp ...".
	if i := strings.Index(raw, ": "); i > 0 {
		title := raw[:i]
		if len(title) <= 60 && strings.ContainsRune(title, ' ') {
			return &Error{Title: title, Details: strings.TrimSpace(raw[i+2:])}
		}
	}

	return &Error{Title: fallbackTitle, Details: raw}
}

// FromError is shorthand for Parse(err.Error()).
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return Parse(err.Error())
}
