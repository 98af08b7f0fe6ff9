package tools

import (
	"context"
	"fmt"
)

// EndCallName is the function name the agent uses to hang up.
const EndCallName = "end_call"

// Hanger ends a live call.
type Hanger interface {
	Hangup(ctx context.Context, callID string) error
}

// EndCall returns a tool that hangs up callID when the agent decides the
// conversation is over.
func EndCall(h Hanger, callID string) Tool {
	return Tool{
		Name:        EndCallName,
		Description: "End the phone call after saying goodbye to the caller.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Short reason the call is ending.",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			if callID == "" {
				return "", fmt.Errorf("no call to end")
			}
			if err := h.Hangup(ctx, callID); err != nil {
				return "", fmt.Errorf("end call %s: %w", callID, err)
			}
			return "call ended", nil
		},
	}
}
