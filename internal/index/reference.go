package index

import "strings"

// NormalizeReference rewrites a reference into the single shape the index
// stores: "Type/id" for references to this server, the URL verbatim for
// references to other servers. A version suffix is dropped from local
// references. Local contained references ("#id") yield "".
func NormalizeReference(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return ""
	}
	base = strings.TrimSuffix(base, "/")
	if base != "" && strings.HasPrefix(ref, base+"/") {
		ref = strings.TrimPrefix(ref, base+"/")
	} else if strings.Contains(ref, "://") || strings.HasPrefix(ref, "urn:") {
		return ref
	}
	if i := strings.Index(ref, "/_history/"); i >= 0 {
		ref = ref[:i]
	}
	return strings.Trim(ref, "/")
}

// ReferenceType returns the resource type named by a reference, or "" if
// the reference does not name one.
func ReferenceType(ref string) string {
	if i := strings.Index(ref, "/_history/"); i >= 0 {
		ref = ref[:i]
	}
	parts := strings.Split(strings.Trim(ref, "/"), "/")
	if len(parts) < 2 {
		return ""
	}
	t := parts[len(parts)-2]
	if t == "" || t[0] < 'A' || t[0] > 'Z' {
		return ""
	}
	return t
}
