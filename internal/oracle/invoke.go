package oracle

import (
	"context"
	"fmt"
)

// rawInvoker sends a single prompt to the underlying transport and
// returns its raw textual output. Transports (CLIClient, GenkitClient)
// are responsible for their own timeout and spending-cap handling before
// returning here; invokeJSON only concerns itself with the JSON
// validation retry loop layered on top.
type rawInvoker func(ctx context.Context, prompt string) (string, error)

// invokeJSON builds the initial prompt, invokes the transport, and makes
// up to MaxAttempts attempts in total, sending a corrective reprompt
// after each response that fails key-set validation. It returns ErrMalformedResponse
// (wrapping the last validation error) once attempts are exhausted.
func invokeJSON(ctx context.Context, invoke rawInvoker, validator *Validator, statement, goalID, instructions string, promptContext interface{}, keys []string, target interface{}) error {
	prompt, err := buildPrompt(statement, goalID, instructions, promptContext, keys)
	if err != nil {
		return err
	}

	var lastErr error
	currentPrompt := prompt
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		output, err := invoke(ctx, currentPrompt)
		if err != nil {
			return fmt.Errorf("oracle: transport call (attempt %d): %w", attempt, err)
		}

		if err := validator.ParseInto(output, target); err != nil {
			lastErr = err
			currentPrompt = buildRepairPrompt(prompt, output, err, attempt)
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrMalformedResponse, lastErr)
}
