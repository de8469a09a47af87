package executor

import (
	"context"

	"go.uber.org/zap"

	"github.com/NTBlok/ai-financial-agent/api/schemas"
)

// ExtensionExecutor does not touch the page itself. It produces the
// structured instruction descriptor the browser extension applies on its
// side; handing the descriptor back is the whole side effect.
type ExtensionExecutor struct {
	log *zap.Logger
}

// NewExtensionExecutor creates the instruction-descriptor executor.
func NewExtensionExecutor(logger *zap.Logger) *ExtensionExecutor {
	return &ExtensionExecutor{log: logger.Named("extension_executor")}
}

// Perform builds the instruction payload for the extension.
func (e *ExtensionExecutor) Perform(ctx context.Context, action schemas.Action, pageURL string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.log.Info("issuing extension instruction",
		zap.String("action_id", action.ID),
		zap.String("action_type", string(action.Type)),
		zap.String("target_element", action.TargetElement))

	return map[string]any{
		"mode": "extension",
		"instruction": map[string]any{
			"action_type":    string(action.Type),
			"target_element": action.TargetElement,
			"parameters":     action.Parameters,
			"page_url":       pageURL,
		},
	}, nil
}
