// Package notebook reads and writes the widget-state block embedded in
// notebook documents. Cells stay opaque; only the well-known metadata
// key matters to widget restoration.
package notebook

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

const (
	// MetadataKey is the document metadata key holding widget state.
	MetadataKey = "widgets"
	// MimeType keys the widget-state payload inside the metadata block.
	MimeType = "application/vnd.jupyter.widget-state+json"
)

var ErrMalformedState = errors.New("notebook: malformed widget state")

// Record is one persisted widget model.
type Record struct {
	ModelName          string         `json:"model_name"`
	ModelModule        string         `json:"model_module"`
	ModelModuleVersion string         `json:"model_module_version"`
	State              map[string]any `json:"state"`
}

// StateBlock is the widget-state metadata value: mime type to model id
// to record.
type StateBlock map[string]map[string]Record

// NewStateBlock wraps records under the widget-state mime type.
func NewStateBlock(records map[string]Record) StateBlock {
	if records == nil {
		records = map[string]Record{}
	}
	return StateBlock{MimeType: records}
}

// Records returns the models stored under the widget-state mime type.
func (b StateBlock) Records() map[string]Record {
	if b == nil {
		return nil
	}
	return b[MimeType]
}

// Document is one host notebook file.
type Document struct {
	Cells         []json.RawMessage          `json:"cells,omitempty"`
	Metadata      map[string]json.RawMessage `json:"metadata,omitempty"`
	NBFormat      int                        `json:"nbformat,omitempty"`
	NBFormatMinor int                        `json:"nbformat_minor,omitempty"`
}

// Parse decodes one notebook document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("notebook: parse document: %w", err)
	}
	return &doc, nil
}

// Load reads and decodes the notebook at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("notebook: read %s: %w", path, err)
	}
	return Parse(data)
}

// Save writes the document back to path.
func (d *Document) Save(path string) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("notebook: marshal document: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("notebook: write %s: %w", path, err)
	}
	return nil
}

// WidgetState returns the widget-state block, or nil when the document
// carries none.
func (d *Document) WidgetState() (StateBlock, error) {
	if d.Metadata == nil {
		return nil, nil
	}
	raw, ok := d.Metadata[MetadataKey]
	if !ok {
		return nil, nil
	}
	var block StateBlock
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedState, err)
	}
	return block, nil
}

// SetWidgetState installs block under the well-known metadata key.
func (d *Document) SetWidgetState(block StateBlock) error {
	raw, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedState, err)
	}
	if d.Metadata == nil {
		d.Metadata = make(map[string]json.RawMessage)
	}
	d.Metadata[MetadataKey] = raw
	return nil
}
