package models

import (
	"encoding/json"
	"time"
)

// InputKind tells the UI how to render a config field.
type InputKind string

const (
	InputText     InputKind = "text"
	InputTextArea InputKind = "textarea"
	InputPassword InputKind = "password"
)

// ConfigField is one declared field of a connector's config schema, in the
// order the UI should render them.
type ConfigField struct {
	Name        string    `json:"name"`
	InputKind   InputKind `json:"input_kind"`
	Label       string    `json:"label"`
	Placeholder string    `json:"placeholder,omitempty"`
}

// SourceType is a registered connector kind. One row exists per connector
// implementation discovered at process start; rows are never deleted.
type SourceType struct {
	Name             string        `json:"name"`
	DisplayName      string        `json:"display_name"`
	ConfigFields     []ConfigField `json:"config_fields"`
	HasPrerequisites bool          `json:"has_prerequisites"`
}

// Source is a configured connector instance.
type Source struct {
	ID            int64           `json:"id"`
	TypeName      string          `json:"type"`
	Config        json.RawMessage `json:"config,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	LastIndexedAt time.Time       `json:"last_indexed_at"`

	Type *SourceType `json:"-"`
}

// NeverIndexed is the last_indexed_at sentinel for sources that have not yet
// completed a crawl.
var NeverIndexed = time.Unix(0, 0).UTC()

// Location is a sub-partition of an external platform a user may scope a
// source to (a project, a space, a top-level folder).
type Location struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// ConnectedSource is the wire form of a configured source.
type ConnectedSource struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// SourceTypeInfo is the wire form of a source type listing, icon included.
type SourceTypeInfo struct {
	Name             string        `json:"name"`
	DisplayName      string        `json:"display_name"`
	ConfigFields     []ConfigField `json:"config_fields"`
	ImageBase64      string        `json:"image_base64"`
	HasPrerequisites bool          `json:"has_prerequisites"`
}
