// Package executor holds the external execution capability the dispatcher
// delegates to, together with the two production implementations: one that
// hands structured instructions back to the browser extension, and one that
// drives a browser directly through chromedp.
package executor

import (
	"context"

	"github.com/NTBlok/ai-financial-agent/api/schemas"
)

// Executor performs the side-effecting operation for one approved action.
// pageURL is the page the action was observed on. The returned map is the
// opaque output recorded on the execution result.
type Executor interface {
	Perform(ctx context.Context, action schemas.Action, pageURL string) (map[string]any, error)
}

// Canceler is implemented by executors that can abandon an in-flight action.
// Executors that do not implement it cannot be cancelled; callers must await
// the terminal state.
type Canceler interface {
	Cancel(actionID string)
}
