// Package relay defines the entries exchanged between the gateway and the
// worker over streams, and decodes them at the transport boundary.
package relay

import (
	"errors"
	"fmt"

	"github.com/ashureev/chatrelay/internal/stream"
)

const (
	// RequestStream is the shared stream every gateway connection publishes to.
	RequestStream = "message_channel"

	responseStreamPrefix = "response_channel_"

	messageField = "message"
	errorField   = "error"
)

// ErrMalformedEntry is returned when a stream entry does not have the
// expected single-field shape.
var ErrMalformedEntry = errors.New("malformed stream entry")

// ResponseStream returns the per-session stream the worker replies on.
func ResponseStream(token string) string {
	return responseStreamPrefix + token
}

// Request is a user message bound for the worker.
type Request struct {
	Token string
	Text  string
}

// Fields encodes the request as a single field keyed by the session token.
func (r Request) Fields() map[string]string {
	return map[string]string{r.Token: r.Text}
}

// DecodeRequest extracts the sole (token, text) pair from an entry.
func DecodeRequest(e stream.Entry) (Request, error) {
	if len(e.Fields) != 1 {
		return Request{}, fmt.Errorf("%w: request %s has %d fields", ErrMalformedEntry, e.ID, len(e.Fields))
	}
	for token, text := range e.Fields {
		if token == "" {
			return Request{}, fmt.Errorf("%w: request %s has empty token", ErrMalformedEntry, e.ID)
		}
		return Request{Token: token, Text: text}, nil
	}
	return Request{}, ErrMalformedEntry
}

// Response is the worker's reply for one request. Exactly one of Text and
// Error is meaningful: Error is set when processing failed.
type Response struct {
	Text  string
	Error string
}

// Failed reports whether the response carries an error instead of a reply.
func (r Response) Failed() bool {
	return r.Error != ""
}

// Fields encodes the response as a single "message" or "error" field.
func (r Response) Fields() map[string]string {
	if r.Failed() {
		return map[string]string{errorField: r.Error}
	}
	return map[string]string{messageField: r.Text}
}

// DecodeResponse reads the "message" (or "error") field of an entry.
func DecodeResponse(e stream.Entry) (Response, error) {
	if text, ok := e.Fields[messageField]; ok {
		return Response{Text: text}, nil
	}
	if reason, ok := e.Fields[errorField]; ok && reason != "" {
		return Response{Error: reason}, nil
	}
	return Response{}, fmt.Errorf("%w: response %s has no %q field", ErrMalformedEntry, e.ID, messageField)
}
