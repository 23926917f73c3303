package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Resource is a decoded FHIR resource. Numbers are kept as json.Number so
// decimal precision survives decoding.
type Resource map[string]any

// DecodeResource parses a JSON resource.
func DecodeResource(data []byte) (Resource, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var r Resource
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	if r.Type() == "" {
		return nil, fmt.Errorf("decode resource: missing resourceType")
	}
	return r, nil
}

// Type returns the resourceType property.
func (r Resource) Type() string {
	s, _ := r["resourceType"].(string)
	return s
}

// ID returns the logical id.
func (r Resource) ID() string {
	s, _ := r["id"].(string)
	return s
}

// VersionID returns meta.versionId when present.
func (r Resource) VersionID() string {
	meta, _ := r["meta"].(map[string]any)
	s, _ := meta["versionId"].(string)
	return s
}

// Contained returns the contained resources.
func (r Resource) Contained() []Resource {
	list, _ := r["contained"].([]any)
	out := make([]Resource, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, Resource(m))
		}
	}
	return out
}
