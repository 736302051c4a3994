package smart

import (
	"strconv"
	"strings"
)

// Resources are handled as decoded JSON rather than generated structs: the
// engine only needs resourceType, Bundle navigation and Reference traversal,
// and anything stricter would fight servers that extend the base profiles.

func resourceType(res map[string]any) string {
	t, _ := res["resourceType"].(string)
	return t
}

func isBundle(res any) bool {
	m, ok := res.(map[string]any)
	return ok && resourceType(m) == "Bundle"
}

// nextPageURL returns the Bundle link with relation "next", or "".
func nextPageURL(bundle map[string]any) string {
	links, _ := bundle["link"].([]any)
	for _, l := range links {
		m, ok := l.(map[string]any)
		if !ok {
			continue
		}
		if rel, _ := m["relation"].(string); rel == "next" {
			u, _ := m["url"].(string)
			return u
		}
	}
	return ""
}

// bundleResources returns the entry[].resource values of a Bundle.
func bundleResources(bundle map[string]any) []any {
	entries, _ := bundle["entry"].([]any)
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		if res, ok := m["resource"]; ok {
			out = append(out, res)
		}
	}
	return out
}

// GetPath walks a dot-separated path into decoded JSON. Numeric segments
// index arrays. It returns nil when any segment is absent.
func GetPath(obj any, path string) any {
	if path == "" {
		return obj
	}
	cur := obj
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			cur = node[seg]
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			cur = node[i]
		default:
			return nil
		}
	}
	return cur
}

// ByCode groups resources (e.g. Observations) by the coding codes found under
// the given property. A resource appears once per distinct code it carries.
func ByCode(resources []any, property string) map[string][]map[string]any {
	out := map[string][]map[string]any{}
	for _, r := range resources {
		res, ok := r.(map[string]any)
		if !ok {
			continue
		}
		for _, code := range codingCodes(res[property]) {
			out[code] = append(out[code], res)
		}
	}
	return out
}

// ByCodes returns a selector over the grouping produced by ByCode.
func ByCodes(resources []any, property string) func(codes ...string) []map[string]any {
	index := ByCode(resources, property)
	return func(codes ...string) []map[string]any {
		var out []map[string]any
		for _, c := range codes {
			out = append(out, index[c]...)
		}
		return out
	}
}

// codingCodes extracts code values from a CodeableConcept or a list of them.
func codingCodes(v any) []string {
	var out []string
	switch node := v.(type) {
	case []any:
		for _, el := range node {
			out = append(out, codingCodes(el)...)
		}
	case map[string]any:
		codings, _ := node["coding"].([]any)
		for _, c := range codings {
			if m, ok := c.(map[string]any); ok {
				if code, _ := m["code"].(string); code != "" {
					out = append(out, code)
				}
			}
		}
	}
	return out
}
