package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []*Envelope{
		NewText("Predict NVDA's stock outlook over the next 2 weeks."),
		New(FormatText, "german", []byte("Wie wird das Wetter?")),
		New(FormatStructured, SubformatJSON, []byte(`{"ticker":"NVDA"}`)),
		New(FormatStructured, SubformatAggregate, []byte(`{"results":{}}`)),
		New(FormatBinary, "application/octet-stream", []byte{0x00, 0x01, 0xff, 0xfe}),
		NewText(""),
	}

	for _, e := range cases {
		e.WithMetadata("origin", "test")

		data, err := Encode(e)
		require.NoError(t, err, "encode %s", e)

		decoded, err := Decode(data)
		require.NoError(t, err, "decode %s", e)
		assert.Equal(t, e, decoded, "round-trip must be lossless")
	}
}

func TestDecodeMalformedFormat(t *testing.T) {
	cases := map[string]string{
		"unknown format":       `{"format":"audio","subformat":"wav","content":""}`,
		"missing subformat":    `{"format":"text","subformat":"","content":"hi"}`,
		"unknown structured":   `{"format":"structured","subformat":"xml","content":"<a/>"}`,
		"not JSON":             `this is not an envelope`,
		"bad base64 content":   `{"format":"binary","subformat":"application/pdf","content":"%%%"}`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(body))
			require.Error(t, err)

			de, ok := AsDecodeError(err)
			require.True(t, ok, "expected DecodeError, got %T", err)
			assert.Equal(t, MalformedFormat, de.Kind)
		})
	}
}

func TestDecodeTruncatedPayload(t *testing.T) {
	e := NewText("full content here")
	data, err := Encode(e)
	require.NoError(t, err)

	// Rewrite the declared length so it no longer matches the content.
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	raw["content_length"] = 9999
	data, err = json.Marshal(raw)
	require.NoError(t, err)

	_, err = Decode(data)
	de, ok := AsDecodeError(err)
	require.True(t, ok)
	assert.Equal(t, TruncatedPayload, de.Kind)
}

func TestDecodeWithoutDeclaredLength(t *testing.T) {
	// Peers that omit content_length are still accepted.
	body := `{"format":"text","subformat":"english","content":"hello","correlation_id":"abc"}`
	e, err := Decode([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "hello", e.Text())
	assert.Equal(t, "abc", e.CorrelationID)
}

func TestCorrelationPreservedAcrossHops(t *testing.T) {
	req := NewText("compound query")
	sub := Derive(req, []byte("subtask query"))
	reply := Reply(sub, FormatText, SubformatEnglish, []byte("answer"))

	assert.Equal(t, req.CorrelationID, sub.CorrelationID)
	assert.Equal(t, req.CorrelationID, reply.CorrelationID)
	assert.NotEmpty(t, req.CorrelationID)
}

func TestNewAssignsUniqueCorrelationIDs(t *testing.T) {
	a := NewText("a")
	b := NewText("b")
	assert.NotEqual(t, a.CorrelationID, b.CorrelationID)
}

func TestClone(t *testing.T) {
	e := NewText("original").WithMetadata("k", "v")
	clone := e.Clone()
	clone.Metadata["k"] = "changed"
	clone.Content[0] = 'X'

	assert.Equal(t, "v", e.Metadata["k"])
	assert.Equal(t, "original", e.Text())
}
