package suggest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NTBlok/ai-financial-agent/api/schemas"
)

const orderPageHTML = `
<html><body>
  <h1>Order ticket</h1>
  <input type="text" name="ticker" placeholder="Ticker symbol">
  <input type="number" name="shares" placeholder="Shares">
  <select name="order-type"><option>Market</option><option>Limit</option></select>
  <button id="buy-now" class="primary">Buy now</button>
  <button disabled>Sell all</button>
  <button hidden>Draft order</button>
  <input type="submit" disabled="disabled" value="Cancel order">
  <a href="/portfolio">Portfolio</a>
  <a href="#top">Back to top</a>
  <a href="javascript:void(0)">Help</a>
</body></html>`

func suggestFrom(t *testing.T, raw string, max int) []schemas.Action {
	t.Helper()
	s := NewDOMSuggester(zap.NewNop(), max)
	actions, err := s.Suggest(context.Background(), schemas.Snapshot{
		ID:           "snap-1",
		CapturedHTML: []byte(raw),
	})
	require.NoError(t, err)
	return actions
}

func TestDOMSuggester(t *testing.T) {
	t.Run("classifies the actionable elements of an order page", func(t *testing.T) {
		actions := suggestFrom(t, orderPageHTML, 10)

		byTarget := make(map[string]schemas.Action, len(actions))
		for _, a := range actions {
			byTarget[a.TargetElement] = a
		}

		buy, ok := byTarget["#buy-now"]
		require.True(t, ok, "the buy button must be proposed")
		assert.Equal(t, schemas.ActionClick, buy.Type)
		assert.Equal(t, map[string]any{"label": "Buy now"}, buy.Parameters)
		assert.InDelta(t, 0.85, buy.Confidence, 0.001)

		ticker, ok := byTarget["input"]
		require.True(t, ok)
		assert.Equal(t, schemas.ActionTypeText, ticker.Type)

		sel, ok := byTarget["select"]
		require.True(t, ok)
		assert.Equal(t, schemas.ActionSelect, sel.Type)

		nav, ok := byTarget["a"]
		require.True(t, ok)
		assert.Equal(t, schemas.ActionNavigate, nav.Type)
		assert.Equal(t, "/portfolio", nav.Parameters["url"])
	})

	t.Run("skips disabled and hidden elements and non-navigating anchors", func(t *testing.T) {
		actions := suggestFrom(t, orderPageHTML, 10)
		navs := 0
		for _, a := range actions {
			// disabled is a boolean attribute: bare or with a value, the
			// element is off limits.
			assert.NotContains(t, a.Description, "Sell all")
			assert.NotContains(t, a.Description, "Draft order")
			assert.NotContains(t, a.Description, "Cancel order")
			if a.Type == schemas.ActionNavigate {
				navs++
			}
		}
		assert.Equal(t, 1, navs, "fragment and javascript links are not navigation")
	})

	t.Run("caps the candidate count", func(t *testing.T) {
		actions := suggestFrom(t, orderPageHTML, 2)
		assert.Len(t, actions, 2)
	})

	t.Run("tolerates malformed markup", func(t *testing.T) {
		actions := suggestFrom(t, `<button id="ok">OK<div><span>`, 10)
		require.Len(t, actions, 1)
		assert.Equal(t, "#ok", actions[0].TargetElement)
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		s := NewDOMSuggester(zap.NewNop(), 10)
		_, err := s.Suggest(ctx, schemas.Snapshot{CapturedHTML: []byte(orderPageHTML)})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
