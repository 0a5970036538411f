package oracle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator enforces the "exactly these keys, no extras, no missing" JSON
// contract every oracle RPC response must satisfy. It extracts the
// outermost JSON object from noisy model output, validates the key set
// against a fixed list, and unmarshals into a caller-provided target.
type Validator struct {
	requiredKeys map[string]bool
}

// NewValidator builds a Validator for exactly the given top-level keys.
func NewValidator(keys []string) *Validator {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return &Validator{requiredKeys: set}
}

// Extract finds the outermost balanced `{...}` object in raw output,
// tolerating a fenced ```json block, a generic fenced block, or leading
// and trailing commentary around a raw object.
func Extract(raw string) (string, error) {
	if block, ok := extractFenced(raw, "json"); ok {
		return block, nil
	}
	if block, ok := extractFenced(raw, ""); ok && looksLikeJSONObject(block) {
		return block, nil
	}
	if block, ok := extractBalanced(raw); ok {
		return block, nil
	}
	return "", fmt.Errorf("oracle: no JSON object found in response")
}

func extractFenced(raw, lang string) (string, bool) {
	fence := "```" + lang
	start := strings.Index(raw, fence)
	if start < 0 {
		return "", false
	}
	rest := raw[start+len(fence):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

func looksLikeJSONObject(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")
}

// extractBalanced scans raw for the first '{' and returns the text up to
// its matching '}', honoring string quoting and escapes so braces inside
// string values don't throw off the depth count.
func extractBalanced(raw string) (string, bool) {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], true
			}
		}
	}
	return "", false
}

// ValidateKeys checks raw's top-level JSON object has exactly the
// required key set: no missing keys, no extras.
func (v *Validator) ValidateKeys(raw string) error {
	var generic map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return fmt.Errorf("oracle: invalid JSON object: %w", err)
	}

	var missing, extra []string
	for k := range v.requiredKeys {
		if _, ok := generic[k]; !ok {
			missing = append(missing, k)
		}
	}
	for k := range generic {
		if !v.requiredKeys[k] {
			extra = append(extra, k)
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(extra)
	return fmt.Errorf("oracle: key mismatch: missing=%v extra=%v", missing, extra)
}

// ParseInto extracts the JSON object from raw, validates its key set,
// and unmarshals it into target.
func (v *Validator) ParseInto(raw string, target interface{}) error {
	obj, err := Extract(raw)
	if err != nil {
		return err
	}
	if err := v.ValidateKeys(obj); err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(obj)))
	dec.UseNumber()
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("oracle: unmarshal: %w", err)
	}
	return nil
}

// CompileSchema compiles a JSON Schema document (used where a full
// jsonschema.Schema validation, not just key-set checking, is desired —
// e.g. when a provider config supplies richer per-field constraints).
func CompileSchema(schemaJSON string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("oracle: parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("inline.json", doc); err != nil {
		return nil, fmt.Errorf("oracle: add schema resource: %w", err)
	}
	return c.Compile("inline.json")
}
