package signer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// SignatureField is the top-level field that is never part of the canonical form.
const SignatureField = "signature"

// Canonicalize serializes doc deterministically: object keys sorted, no
// insignificant whitespace, no HTML escaping and numbers kept verbatim. The
// top-level signature field and every excluded dotted path are removed.
// Paths that cross an array apply to each element.
func Canonicalize(doc any, excluded ...string) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}

	if obj, ok := tree.(map[string]any); ok {
		delete(obj, SignatureField)
	}
	for _, path := range excluded {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		removePath(tree, strings.Split(path, "."))
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return nil, fmt.Errorf("failed to encode canonical form: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func removePath(node any, path []string) {
	switch v := node.(type) {
	case map[string]any:
		if len(path) == 1 {
			delete(v, path[0])
			return
		}
		if child, ok := v[path[0]]; ok {
			removePath(child, path[1:])
		}
	case []any:
		for _, elem := range v {
			removePath(elem, path)
		}
	}
}
