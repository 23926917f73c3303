// Package index defines the denormalized documents written for every
// resource version, the predicate language used to query them, and the
// Store contract backends implement.
package index

import (
	"fmt"
	"strings"
)

// Fixed document fields.
const (
	FieldID        = "internal_id"
	FieldJustID    = "internal_justid"
	FieldSelfLink  = "internal_selflink"
	FieldContainer = "internal_container"
	FieldResource  = "internal_resource"
	FieldLevel     = "internal_level"
	FieldTag       = "internal_tag"
)

// Key identifies one version of a resource on a server.
type Key struct {
	Base       string
	TypeName   string
	ResourceID string
	VersionID  string
}

// Reference returns "Type/id".
func (k Key) Reference() string {
	return k.TypeName + "/" + k.ResourceID
}

// InternalID returns the server-unique id of the version.
func (k Key) InternalID() string {
	if k.VersionID == "" {
		return k.Reference()
	}
	return k.Reference() + "/_history/" + k.VersionID
}

// SelfLink returns the absolute URL of the version.
func (k Key) SelfLink() string {
	base := strings.TrimSuffix(k.Base, "/")
	if base == "" {
		return k.InternalID()
	}
	return base + "/" + k.InternalID()
}

// ParseReference splits "Type/id" into its parts.
func ParseReference(ref string) (typeName, id string, err error) {
	parts := strings.Split(ref, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid reference %q", ref)
	}
	return parts[0], parts[1], nil
}

// KeyFilter matches every document belonging to the resource identified by
// key, across all versions and contained resources.
func KeyFilter(key Key) Predicate {
	ref := key.Reference()
	return Or(
		Eq(FieldID, ref),
		Prefix(FieldID, ref+"/", false),
		Prefix(FieldID, ref+"#", false),
	)
}

// Tag is a meta tag, security label or profile attached to a resource.
type Tag struct {
	Scheme string `json:"scheme"`
	Term   string `json:"term"`
	Label  string `json:"label,omitempty"`
}

// Document is one index entry. Values are JSON-compatible: strings,
// float64, bool, nil, map[string]any and []any.
type Document map[string]any

// Set writes a value, replacing any previous one.
func (d Document) Set(field string, v any) {
	d[field] = v
}

// Append writes a value. A second value for an existing field promotes the
// field to an array in place.
func (d Document) Append(field string, v any) {
	cur, ok := d[field]
	if !ok {
		d[field] = v
		return
	}
	if list, isList := cur.([]any); isList {
		d[field] = append(list, v)
		return
	}
	d[field] = []any{cur, v}
}

// String returns a string field or "".
func (d Document) String(field string) string {
	s, _ := d[field].(string)
	return s
}

// Level returns the containment level.
func (d Document) Level() int {
	if f, ok := toFloat(d[FieldLevel]); ok {
		return int(f)
	}
	return 0
}

// ID returns the internal id.
func (d Document) ID() string { return d.String(FieldID) }

// SelfLink returns the self link.
func (d Document) SelfLink() string { return d.String(FieldSelfLink) }

// Reference returns "Type/id" for the document.
func (d Document) Reference() string {
	return d.String(FieldResource) + "/" + d.String(FieldJustID)
}

// Values returns the field as a list, whatever its stored shape.
func (d Document) Values(field string) []any {
	v, ok := d[field]
	if !ok {
		return nil
	}
	if list, isList := v.([]any); isList {
		return list
	}
	return []any{v}
}
