package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Decode failures are distinguishable with errors.Is. Malformed input
// and missing required fields are both dropped by callers; empty lines
// are skipped, not errors.
var (
	ErrMalformed    = errors.New("malformed envelope")
	ErrMissingField = errors.New("missing envelope field")
	ErrEmptyLine    = errors.New("empty line")
)

// DecodeLine parses one line-delimited JSON envelope. Whitespace-only
// input yields ErrEmptyLine. An unrecognized kind value is not an
// error; the envelope decodes with its data left opaque for
// pass-through.
func DecodeLine(line []byte) (Envelope, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Envelope{}, ErrEmptyLine
	}
	var raw struct {
		ID        *string         `json:"id"`
		At        *string         `json:"at"`
		Publisher string          `json:"publisher"`
		Kind      *string         `json:"kind"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch {
	case raw.ID == nil || *raw.ID == "":
		return Envelope{}, fmt.Errorf("%w: id", ErrMissingField)
	case raw.At == nil:
		return Envelope{}, fmt.Errorf("%w: at", ErrMissingField)
	case raw.Kind == nil || *raw.Kind == "":
		return Envelope{}, fmt.Errorf("%w: kind", ErrMissingField)
	case len(raw.Data) == 0 || bytes.Equal(raw.Data, []byte("null")):
		return Envelope{}, fmt.Errorf("%w: data", ErrMissingField)
	}
	at, err := time.Parse(time.RFC3339Nano, *raw.At)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: bad timestamp %q", ErrMalformed, *raw.At)
	}
	return Envelope{
		ID:        *raw.ID,
		At:        at.UTC(),
		Publisher: raw.Publisher,
		Kind:      Kind(*raw.Kind),
		Data:      raw.Data,
	}, nil
}

// EncodeLine serializes the envelope as one JSON object followed by a
// newline. DecodeLine(EncodeLine(e)) reproduces e for every valid e.
func EncodeLine(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	out, err := json.Marshal(struct {
		ID        string          `json:"id"`
		At        string          `json:"at"`
		Publisher string          `json:"publisher"`
		Kind      Kind            `json:"kind"`
		Data      json.RawMessage `json:"data"`
	}{e.ID, e.At.UTC().Format(time.RFC3339Nano), e.Publisher, e.Kind, e.Data})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return append(out, '\n'), nil
}
