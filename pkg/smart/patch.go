package smart

import (
	"encoding/json"
	"fmt"
)

var patchOps = map[string]bool{
	"add":     true,
	"remove":  true,
	"replace": true,
	"move":    true,
	"copy":    true,
	"test":    true,
}

// ValidateJSONPatch checks that doc is a well-formed JSON-Patch (RFC 6902)
// document: a non-empty array of operations, each naming a known op, a path,
// and the operands that op requires. Validation happens before any network
// call is made.
func ValidateJSONPatch(doc []byte) error {
	var ops []map[string]json.RawMessage
	if err := json.Unmarshal(doc, &ops); err != nil {
		return fmt.Errorf("the JSON patch must be an array of operation objects: %w", err)
	}
	if len(ops) == 0 {
		return fmt.Errorf("the JSON patch array should not be empty")
	}
	for i, op := range ops {
		name, err := patchString(op, "op")
		if err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
		if !patchOps[name] {
			return fmt.Errorf(`operation %d: unknown op %q`, i, name)
		}
		if _, err := patchString(op, "path"); err != nil {
			return fmt.Errorf("operation %d (%s): %w", i, name, err)
		}
		switch name {
		case "add", "replace", "test":
			if _, ok := op["value"]; !ok {
				return fmt.Errorf(`operation %d (%s): missing "value" property`, i, name)
			}
		case "move", "copy":
			if _, err := patchString(op, "from"); err != nil {
				return fmt.Errorf("operation %d (%s): %w", i, name, err)
			}
		}
	}
	return nil
}

func patchString(op map[string]json.RawMessage, prop string) (string, error) {
	raw, ok := op[prop]
	if !ok {
		return "", fmt.Errorf("missing %q property", prop)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("the %q property must be a string", prop)
	}
	return s, nil
}
