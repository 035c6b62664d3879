// Package event defines the wire envelope common to every tenant event
// and the line-delimited JSON codec used on the publish and subscribe
// paths. Envelope data is kept opaque; typed payload accessors decode it
// for the kinds this process interprets. Unknown kinds are transported
// verbatim.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/inventahq/eventrelay/internal/progress"
)

// Kind discriminates the payload shape carried in Envelope.Data.
type Kind string

// Kinds interpreted by this process. The set is open: envelopes with
// other kinds are forwarded untouched.
const (
	KindCloudAccountCreated Kind = "cloud_account_created"
	KindCollectProgress     Kind = "collect-progress"
	KindCollectError        Kind = "collect-error"
)

// Envelope is the immutable outer record wrapping every event.
type Envelope struct {
	ID        string          `json:"id"`
	At        time.Time       `json:"at"`
	Publisher string          `json:"publisher"`
	Kind      Kind            `json:"kind"`
	Data      json.RawMessage `json:"data"`
}

// New builds an envelope around the given payload with a fresh id and
// the current UTC time.
func New(publisher string, kind Kind, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Envelope{
		ID:        uuid.NewString(),
		At:        time.Now().UTC(),
		Publisher: publisher,
		Kind:      kind,
		Data:      data,
	}, nil
}

// Validate performs coarse validation of envelope-level fields.
func (e Envelope) Validate() error {
	if e.ID == "" {
		return errors.New("envelope id is required")
	}
	if e.At.IsZero() {
		return errors.New("envelope timestamp is required")
	}
	if e.Kind == "" {
		return errors.New("envelope kind is required")
	}
	if len(e.Data) == 0 {
		return errors.New("envelope data is required")
	}
	return nil
}

// CloudAccountCreated is the payload of KindCloudAccountCreated.
type CloudAccountCreated struct {
	CloudAccountID string `json:"cloud_account_id"`
	WorkspaceID    string `json:"workspace_id"`
	AWSAccountID   string `json:"aws_account_id"`
}

// CollectError is the payload of KindCollectError.
type CollectError struct {
	Workflow string `json:"workflow"`
	Task     string `json:"task"`
	Message  string `json:"message"`
}

// CollectProgress is the payload of KindCollectProgress. Message is a
// progress node union: either one leaf or a tree of leaves.
type CollectProgress struct {
	Workflow string
	Task     string
	Message  progress.Node
}

// MarshalJSON encodes the payload with the node union's wire tags.
func (p CollectProgress) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Workflow string        `json:"workflow"`
		Task     string        `json:"task"`
		Message  progress.Node `json:"message"`
	}{p.Workflow, p.Task, p.Message})
}

// UnmarshalJSON decodes the payload, dispatching the message on its
// node kind tag.
func (p *CollectProgress) UnmarshalJSON(data []byte) error {
	var raw struct {
		Workflow string          `json:"workflow"`
		Task     string          `json:"task"`
		Message  json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	node, err := progress.Unmarshal(raw.Message)
	if err != nil {
		return err
	}
	p.Workflow = raw.Workflow
	p.Task = raw.Task
	p.Message = node
	return nil
}

// AsCollectProgress decodes the data payload of a collect-progress
// envelope.
func (e Envelope) AsCollectProgress() (CollectProgress, error) {
	var payload CollectProgress
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return CollectProgress{}, fmt.Errorf("decode collect-progress payload: %w", err)
	}
	return payload, nil
}

// AsCollectError decodes the data payload of a collect-error envelope.
func (e Envelope) AsCollectError() (CollectError, error) {
	var payload CollectError
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return CollectError{}, fmt.Errorf("decode collect-error payload: %w", err)
	}
	return payload, nil
}

// AsCloudAccountCreated decodes the data payload of a
// cloud_account_created envelope.
func (e Envelope) AsCloudAccountCreated() (CloudAccountCreated, error) {
	var payload CloudAccountCreated
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return CloudAccountCreated{}, fmt.Errorf("decode cloud_account_created payload: %w", err)
	}
	return payload, nil
}

// WithData returns a copy of the envelope carrying a new payload. Used
// by the bus to swap a partial progress update for the merged tree.
func (e Envelope) WithData(payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal replacement payload: %w", err)
	}
	e.Data = data
	return e, nil
}
