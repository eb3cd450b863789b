package envelope

import (
	"fmt"

	"github.com/google/uuid"
)

// Format identifies how an envelope's content must be parsed.
type Format string

const (
	// FormatText carries natural-language text; the subformat names the language.
	FormatText Format = "text"

	// FormatStructured carries machine-readable data; the subformat names the encoding.
	FormatStructured Format = "structured"

	// FormatBinary carries opaque bytes; the subformat names the media type.
	FormatBinary Format = "binary"
)

// SubformatEnglish is the default subformat for text envelopes.
const SubformatEnglish = "english"

// SubformatJSON is the standard subformat for structured envelopes.
const SubformatJSON = "json"

// SubformatAggregate marks a structured envelope produced by result aggregation.
// Its content is a JSON object with per-capability results and failures.
const SubformatAggregate = "nlip-aggregate"

// Envelope is the protocol's unit of exchange between agent processes.
// The correlation ID links all messages belonging to one logical client
// request and is preserved across every hop of a delegation chain.
type Envelope struct {
	// Format determines how Content must be parsed.
	Format Format

	// Subformat refines the format (language, encoding, or media type).
	Subformat string

	// Content is the payload. Text and structured content is UTF-8;
	// binary content is arbitrary bytes.
	Content []byte

	// CorrelationID is unique per logical request, generated at the edge.
	CorrelationID string

	// Metadata carries optional key-value pairs for routing and tracing.
	Metadata map[string]string
}

// NewCorrelationID generates a fresh correlation ID.
// Called at the edge when a raw client submits an envelope without one.
func NewCorrelationID() string {
	return uuid.New().String()
}

// New creates an envelope with a fresh correlation ID.
func New(format Format, subformat string, content []byte) *Envelope {
	return &Envelope{
		Format:        format,
		Subformat:     subformat,
		Content:       content,
		CorrelationID: uuid.New().String(),
		Metadata:      make(map[string]string),
	}
}

// NewText creates an english text envelope with a fresh correlation ID.
func NewText(content string) *Envelope {
	return New(FormatText, SubformatEnglish, []byte(content))
}

// Reply creates an envelope answering e, preserving its correlation ID.
func Reply(e *Envelope, format Format, subformat string, content []byte) *Envelope {
	return &Envelope{
		Format:        format,
		Subformat:     subformat,
		Content:       content,
		CorrelationID: e.CorrelationID,
		Metadata:      make(map[string]string),
	}
}

// Derive creates a subtask envelope from e, preserving its correlation ID.
// Used by the delegation router when fanning a request out to workers.
func Derive(e *Envelope, content []byte) *Envelope {
	return &Envelope{
		Format:        e.Format,
		Subformat:     e.Subformat,
		Content:       content,
		CorrelationID: e.CorrelationID,
		Metadata:      make(map[string]string),
	}
}

// WithMetadata adds a metadata entry and returns the envelope for chaining.
func (e *Envelope) WithMetadata(key, value string) *Envelope {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// Text returns the content as a string.
func (e *Envelope) Text() string {
	return string(e.Content)
}

// Validate checks that the format/subformat pair is recognized.
func (e *Envelope) Validate() error {
	switch e.Format {
	case FormatText, FormatBinary:
		if e.Subformat == "" {
			return &DecodeError{Kind: MalformedFormat, Detail: fmt.Sprintf("format %q requires a subformat", e.Format)}
		}
	case FormatStructured:
		if e.Subformat != SubformatJSON && e.Subformat != SubformatAggregate {
			return &DecodeError{Kind: MalformedFormat, Detail: fmt.Sprintf("unrecognized structured subformat %q", e.Subformat)}
		}
	default:
		return &DecodeError{Kind: MalformedFormat, Detail: fmt.Sprintf("unrecognized format %q", e.Format)}
	}
	return nil
}

// Clone creates a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	clone := &Envelope{
		Format:        e.Format,
		Subformat:     e.Subformat,
		Content:       append([]byte(nil), e.Content...),
		CorrelationID: e.CorrelationID,
		Metadata:      make(map[string]string, len(e.Metadata)),
	}
	for k, v := range e.Metadata {
		clone.Metadata[k] = v
	}
	return clone
}

// String returns a human-readable representation for debugging.
func (e *Envelope) String() string {
	return fmt.Sprintf("Envelope{Format:%s, Subformat:%s, CorrelationID:%s, len:%d}",
		e.Format, e.Subformat, e.CorrelationID, len(e.Content))
}
