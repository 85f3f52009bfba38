package synthesis

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration is returned before any network call when the API key is missing.
	ErrConfiguration = errors.New("synthesis: OPENAI_API_KEY is not set")
	// ErrParse marks a detection reply that is not usable JSON.
	ErrParse = errors.New("synthesis: unparseable detection response")
)

// Error is a failed remote call: transport failure, non-2xx status, or a
// result with neither a URL nor inline data. Its message is what ends up in
// a job's error_message.
type Error struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("synthesis ")
	b.WriteString(e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// IsSynthesisError reports whether err carries an *Error.
func IsSynthesisError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}

// apiErrorMessage pulls error.message out of an OpenAI-style error body,
// falling back to a trimmed copy of the raw body.
func apiErrorMessage(body []byte) string {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil && strings.TrimSpace(env.Error.Message) != "" {
		return strings.TrimSpace(env.Error.Message)
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 300 {
		msg = msg[:300]
	}
	return msg
}
