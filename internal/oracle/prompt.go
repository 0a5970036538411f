package oracle

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MaxAttempts bounds the corrective-reprompt loop for a single oracle
// call: up to three attempts before giving up on a malformed response.
const MaxAttempts = 3

// buildPrompt renders the multi-section prompt every RPC sends: a task
// statement, the goal id, instructions text, optional context JSON, and
// (when keys is non-empty) a strict-JSON response contract naming
// exactly the required keys.
func buildPrompt(statement, goalID, instructions string, context interface{}, keys []string) (string, error) {
	var b strings.Builder
	b.WriteString(statement)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Goal ID: %s\n", goalID)
	if strings.TrimSpace(instructions) == "" {
		instructions = "No instructions provided."
	}
	fmt.Fprintf(&b, "Instructions:\n%s\n", instructions)

	if context != nil {
		ctxJSON, err := json.MarshalIndent(context, "", "  ")
		if err != nil {
			return "", fmt.Errorf("oracle: marshal prompt context: %w", err)
		}
		fmt.Fprintf(&b, "\nContext:\n%s\n", ctxJSON)
	}

	if len(keys) > 0 {
		b.WriteString("\nRespond with strict JSON using exactly these keys; no additional keys:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s\n", k)
		}
		b.WriteString("Output MUST be one JSON object only.\n")
		b.WriteString("First character must be '{' and last character must be '}'.\n")
		b.WriteString("Do not include commentary, markdown, code fences, or surrounding text.\n")
	}
	return b.String(), nil
}

// buildRepairPrompt constructs the corrective reprompt sent after a
// validation failure: original prompt, previous invalid output, and the
// specific key mismatch, asking for exactly one corrected JSON object.
func buildRepairPrompt(original, previousOutput string, validationErr error, attempt int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Attempt %d produced an invalid response.\n\n", attempt)
	fmt.Fprintf(&b, "Validation error: %s\n\n", validationErr)
	b.WriteString("Previous output:\n")
	b.WriteString(previousOutput)
	b.WriteString("\n\nOriginal request:\n")
	b.WriteString(original)
	b.WriteString("\n\nRespond again with exactly one corrected JSON object and nothing else.\n")
	return b.String()
}
