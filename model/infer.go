package model

import "strings"

// filenameTypeHints maps filename substrings to element types, checked in
// order so the more specific hints win.
var filenameTypeHints = []struct {
	substr string
	typ    string
}{
	{"constraint", "constraint"},
	{"goal", "goal"},
	{"driver", "driver"},
	{"stakeholder", "stakeholder"},
	{"assessment", "assessment"},
	{"function", "function"},
	{"process", "process"},
	{"service", "service"},
	{"component", "component"},
	{"role", "role"},
	{"permission", "permission"},
	{"operation", "operation"},
	{"endpoint", "endpoint"},
	{"schema", "schema"},
	{"entity", "schema"},
	{"database", "database"},
	{"view", "view"},
	{"screen", "view"},
	{"route", "route"},
	{"flow", "flow"},
}

// inferElementType determines an element's type from an explicit type field,
// its properties, the filename it came from, or common property patterns, in
// that order.
func inferElementType(props map[string]any, filename, layerID string) string {
	if typ, ok := props["type"].(string); ok && typ != "" {
		return typ
	}

	name := strings.ToLower(stringProp(props, "name"))

	if hasKey(props, "constraintType") || hasKey(props, "constraint.negotiable") {
		return "constraint"
	}
	if hasKey(props, "category") && layerID == "motivation" {
		return "driver"
	}
	if hasKey(props, "priority") && layerID == "motivation" {
		return "goal"
	}
	if hasKey(props, "assessmentType") {
		return "assessment"
	}
	if strings.Contains(name, "stakeholder") {
		return "stakeholder"
	}

	// Security layer.
	if hasKey(props, "trust_level") {
		return "zone"
	}
	if strings.Contains(name, "policy") {
		return "policy"
	}
	if strings.Contains(name, "objective") ||
		(hasKey(props, "criticality") && layerID == "security" &&
			!strings.Contains(name, "policy") && !strings.Contains(name, "zone")) {
		return "objective"
	}

	// Technology layer.
	if hasKey(props, "language") || strings.Contains(stringProp(props, "id"), "systemsoftware") {
		return "systemsoftware"
	}
	if hasKey(props, "location") && layerID == "technology" {
		return "artifact"
	}

	filenameLower := strings.ToLower(filename)
	for _, hint := range filenameTypeHints {
		if strings.Contains(filenameLower, hint.substr) {
			return hint.typ
		}
	}

	if hasKey(props, "method") && hasKey(props, "path") {
		return "operation"
	}
	if hasKey(props, "$schema") || hasKey(props, "properties") {
		return "schema"
	}
	if hasKey(props, "roleType") {
		return "role"
	}
	if hasKey(props, "permissionLevel") {
		return "permission"
	}

	return "unknown"
}

func hasKey(props map[string]any, key string) bool {
	_, ok := props[key]
	return ok
}

func stringProp(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}
