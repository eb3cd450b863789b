package envelope

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// DecodeErrorKind classifies codec failures.
type DecodeErrorKind string

const (
	// MalformedFormat means the declared format/subformat pair is unrecognized
	// or the wire body is not a valid envelope at all.
	MalformedFormat DecodeErrorKind = "malformed_format"

	// TruncatedPayload means the content length does not match the declared size.
	TruncatedPayload DecodeErrorKind = "truncated_payload"
)

// DecodeError reports why a wire body could not be decoded into an envelope.
type DecodeError struct {
	Kind   DecodeErrorKind
	Detail string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode envelope: %s: %s", e.Kind, e.Detail)
}

// AsDecodeError unwraps err into a DecodeError if it carries one.
func AsDecodeError(err error) (*DecodeError, bool) {
	var de *DecodeError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// wireEnvelope is the JSON shape exchanged over POST /nlip/.
// Binary content travels base64-encoded; content_length declares the size of
// the decoded payload so truncation is detectable.
type wireEnvelope struct {
	Format        string            `json:"format"`
	Subformat     string            `json:"subformat"`
	Content       string            `json:"content"`
	ContentLength *int              `json:"content_length,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Encode serializes an envelope to its wire form.
// Encoding fails only when the envelope itself is invalid; it has no side effects.
func Encode(e *Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	w := wireEnvelope{
		Format:        string(e.Format),
		Subformat:     e.Subformat,
		CorrelationID: e.CorrelationID,
		Metadata:      e.Metadata,
	}

	n := len(e.Content)
	w.ContentLength = &n
	if e.Format == FormatBinary {
		w.Content = base64.StdEncoding.EncodeToString(e.Content)
	} else {
		w.Content = string(e.Content)
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Decode parses a wire body into an envelope.
// Returns a DecodeError with kind MalformedFormat when the body or the
// format/subformat pair is unrecognized, and TruncatedPayload when the
// content does not match its declared length.
func Decode(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &DecodeError{Kind: MalformedFormat, Detail: fmt.Sprintf("invalid JSON body: %v", err)}
	}

	e := &Envelope{
		Format:        Format(w.Format),
		Subformat:     w.Subformat,
		CorrelationID: w.CorrelationID,
		Metadata:      w.Metadata,
	}
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}

	if e.Format == FormatBinary {
		content, err := base64.StdEncoding.DecodeString(w.Content)
		if err != nil {
			return nil, &DecodeError{Kind: MalformedFormat, Detail: fmt.Sprintf("invalid base64 content: %v", err)}
		}
		e.Content = content
	} else {
		e.Content = []byte(w.Content)
	}

	if w.ContentLength != nil && *w.ContentLength != len(e.Content) {
		return nil, &DecodeError{
			Kind:   TruncatedPayload,
			Detail: fmt.Sprintf("declared %d bytes, got %d", *w.ContentLength, len(e.Content)),
		}
	}

	return e, nil
}
