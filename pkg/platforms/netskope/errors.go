package netskope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Recoverable: the subtype is abandoned, the run goes on.
var (
	ErrInvalidResponse = errors.New("unsuccessful response")
	ErrMissingData     = errors.New("missing 'data' key in response")
)

// Fatal: the response could not be interpreted at all.
var (
	ErrUnexpectedContentType = errors.New("unexpected content type")
	ErrMalformedJSON         = errors.New("malformed JSON body")
	ErrRequestFailed         = errors.New("request failed")
)

const redacted = "[REDACTED]"

// Diagnostic is the context captured for a response that could not be
// interpreted. The API token is never part of it.
type Diagnostic struct {
	StatusCode      int               `json:"status_code"`
	Response        string            `json:"response"`
	URLRequested    string            `json:"url_requested"`
	QueryParameters map[string]string `json:"query_parameters"`
}

// String renders the diagnostic as indented JSON. HTML bodies returned by
// proxies are kept readable rather than escaped.
func (d Diagnostic) String() string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	_ = enc.Encode(d)
	return strings.TrimSuffix(buf.String(), "\n")
}

// TransportError aborts the run: the checkpoint must not move past it.
type TransportError struct {
	Subtype    string
	Pagination int
	Diagnostic Diagnostic
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("fetching %s (pagination %d): %v (status %d)", e.Subtype, e.Pagination, e.Err, e.Diagnostic.StatusCode)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRecoverable reports whether err only abandons a single subtype.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrInvalidResponse) || errors.Is(err, ErrMissingData)
}

// redactParams flattens query without the token parameter.
func redactParams(query url.Values) map[string]string {
	out := make(map[string]string, len(query))
	for k, v := range query {
		if k == "token" {
			continue
		}
		out[k] = strings.Join(v, ",")
	}
	return out
}

// scrubToken removes every occurrence of token from s. Transport errors echo
// the request URL, which carries the token.
func scrubToken(s, token string) string {
	if token == "" {
		return s
	}
	s = strings.ReplaceAll(s, token, redacted)
	if escaped := url.QueryEscape(token); escaped != token {
		s = strings.ReplaceAll(s, escaped, redacted)
	}
	return s
}
