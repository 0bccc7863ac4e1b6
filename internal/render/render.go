// Package render serializes a bucket's items into its document body.
package render

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/datedocs/internal/bucket"
	"github.com/kalambet/datedocs/internal/content"
)

// Renderer turns the items of one bucket into a document body. Equal input
// must produce byte-identical output.
type Renderer interface {
	Render(key bucket.Key, items []content.Item) ([]byte, error)
}

// New returns the renderer for format ("json" or "yaml").
func New(format string) (Renderer, error) {
	switch format {
	case "", "json":
		return JSON{}, nil
	case "yaml", "yml":
		return YAML{}, nil
	default:
		return nil, fmt.Errorf("unknown render format %q", format)
	}
}

type document struct {
	Bucket    bucket.Key     `json:"bucket" yaml:"bucket"`
	ItemCount int            `json:"item_count" yaml:"item_count"`
	Items     []content.Item `json:"items" yaml:"items"`
}

func newDocument(key bucket.Key, items []content.Item) document {
	if items == nil {
		items = []content.Item{}
	}
	return document{Bucket: key, ItemCount: len(items), Items: items}
}

// JSON renders indented JSON.
type JSON struct{}

func (JSON) Render(key bucket.Key, items []content.Item) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(newDocument(key, items)); err != nil {
		return nil, fmt.Errorf("encoding %s as json: %w", key, err)
	}
	return buf.Bytes(), nil
}

// YAML renders a YAML document with two-space indentation.
type YAML struct{}

func (YAML) Render(key bucket.Key, items []content.Item) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(newDocument(key, items)); err != nil {
		return nil, fmt.Errorf("encoding %s as yaml: %w", key, err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding %s as yaml: %w", key, err)
	}
	return buf.Bytes(), nil
}
