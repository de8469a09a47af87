package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/NTBlok/ai-financial-agent/api/schemas"
	"github.com/NTBlok/ai-financial-agent/internal/config"
	"github.com/NTBlok/ai-financial-agent/internal/fault"
)

// BrowserExecutor drives a local headless Chrome instance via chromedp. Each
// Perform call opens a fresh browser context, navigates to the snapshot's
// source URL and replays the action against the live page.
type BrowserExecutor struct {
	cfg config.BrowserConfig
	log *zap.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// NewBrowserExecutor creates a chromedp-backed executor.
func NewBrowserExecutor(cfg config.BrowserConfig, logger *zap.Logger) *BrowserExecutor {
	return &BrowserExecutor{
		cfg:      cfg,
		log:      logger.Named("browser_executor"),
		inflight: make(map[string]context.CancelFunc),
	}
}

// Perform replays the action in a live browser. The returned output carries
// the page URL observed after the interaction settled.
func (e *BrowserExecutor) Perform(ctx context.Context, action schemas.Action, pageURL string) (map[string]any, error) {
	task, err := e.buildTask(action)
	if err != nil {
		return nil, err
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", e.cfg.Headless),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	e.track(action.ID, browserCancel)
	defer func() {
		e.untrack(action.ID)
		browserCancel()
		allocCancel()
	}()

	navTimeout := e.cfg.NavTimeout
	if navTimeout <= 0 {
		navTimeout = 90 * time.Second
	}
	navCtx, navCancel := context.WithTimeout(browserCtx, navTimeout)
	defer navCancel()

	e.log.Debug("navigating before replay",
		zap.String("action_id", action.ID),
		zap.String("url", pageURL))

	if err := chromedp.Run(navCtx, chromedp.Navigate(pageURL), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		if navCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("navigation to %s timed out after %s: %w", pageURL, navTimeout, err)
		}
		return nil, fmt.Errorf("navigation to %s failed: %w", pageURL, err)
	}

	if err := chromedp.Run(browserCtx, task); err != nil {
		return nil, fmt.Errorf("%s on '%s' failed: %w", action.Type, action.TargetElement, err)
	}

	if e.cfg.SettleDelay > 0 {
		if err := chromedp.Run(browserCtx, chromedp.Sleep(e.cfg.SettleDelay)); err != nil {
			return nil, err
		}
	}

	var finalURL string
	if err := chromedp.Run(browserCtx, chromedp.Location(&finalURL)); err != nil {
		return nil, fmt.Errorf("reading page location: %w", err)
	}

	return map[string]any{
		"mode":      "browser",
		"final_url": finalURL,
	}, nil
}

// Cancel aborts an in-flight replay for the given action, if any.
func (e *BrowserExecutor) Cancel(actionID string) {
	e.mu.Lock()
	cancel, ok := e.inflight[actionID]
	delete(e.inflight, actionID)
	e.mu.Unlock()
	if ok {
		e.log.Info("canceling in-flight browser action", zap.String("action_id", actionID))
		cancel()
	}
}

func (e *BrowserExecutor) track(actionID string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.inflight[actionID] = cancel
	e.mu.Unlock()
}

func (e *BrowserExecutor) untrack(actionID string) {
	e.mu.Lock()
	delete(e.inflight, actionID)
	e.mu.Unlock()
}

func (e *BrowserExecutor) buildTask(action schemas.Action) (chromedp.Tasks, error) {
	sel := action.TargetElement

	switch action.Type {
	case schemas.ActionClick:
		return chromedp.Tasks{
			chromedp.ScrollIntoView(sel, chromedp.ByQuery),
			chromedp.WaitVisible(sel, chromedp.ByQuery),
			chromedp.Click(sel, chromedp.ByQuery),
		}, nil

	case schemas.ActionTypeText:
		text, ok := paramText(action.Parameters)
		if !ok {
			return nil, fault.New(fault.KindValidation, "type action requires a \"text\" parameter").WithAction(action.ID)
		}
		return chromedp.Tasks{
			chromedp.ScrollIntoView(sel, chromedp.ByQuery),
			chromedp.WaitVisible(sel, chromedp.ByQuery),
			chromedp.SendKeys(sel, text, chromedp.ByQuery),
		}, nil

	case schemas.ActionSelect:
		value, ok := action.Parameters["value"].(string)
		if !ok || value == "" {
			return nil, fault.New(fault.KindValidation, "select action requires a \"value\" parameter").WithAction(action.ID)
		}
		return chromedp.Tasks{
			chromedp.WaitVisible(sel, chromedp.ByQuery),
			chromedp.SetValue(sel, value, chromedp.ByQuery),
		}, nil

	case schemas.ActionNavigate:
		url, ok := action.Parameters["url"].(string)
		if !ok || url == "" {
			return nil, fault.New(fault.KindValidation, "navigate action requires a \"url\" parameter").WithAction(action.ID)
		}
		return chromedp.Tasks{
			chromedp.Navigate(url),
			chromedp.WaitReady("body", chromedp.ByQuery),
		}, nil
	}

	return nil, fault.Newf(fault.KindValidation, "unsupported action type %q", action.Type).WithAction(action.ID)
}

// paramText accepts either "text" or "value" as the typed-input parameter.
func paramText(params map[string]any) (string, bool) {
	if v, ok := params["text"].(string); ok && v != "" {
		return v, true
	}
	if v, ok := params["value"].(string); ok && v != "" {
		return v, true
	}
	return "", false
}
