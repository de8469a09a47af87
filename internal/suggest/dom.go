package suggest

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/NTBlok/ai-financial-agent/api/schemas"
)

// DOMSuggester is the heuristic implementation: it parses the captured HTML
// and proposes interactions with the actionable elements it finds. It is the
// default engine and the deterministic baseline the model-backed one is
// measured against.
type DOMSuggester struct {
	log *zap.Logger
	max int
}

// NewDOMSuggester creates a heuristic suggester emitting at most max
// candidates per snapshot.
func NewDOMSuggester(logger *zap.Logger, max int) *DOMSuggester {
	if max <= 0 {
		max = 10
	}
	return &DOMSuggester{log: logger.Named("dom_suggester"), max: max}
}

// Suggest walks the snapshot's DOM and scores the interactive elements.
func (s *DOMSuggester) Suggest(ctx context.Context, snap schemas.Snapshot) ([]schemas.Action, error) {
	doc, err := html.Parse(bytes.NewReader(snap.CapturedHTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse captured html: %w", err)
	}

	var actions []schemas.Action
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if ctx.Err() != nil {
			return
		}
		if n.Type == html.ElementNode {
			if action, ok := s.classify(n); ok {
				actions = append(actions, action)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(actions) > s.max {
		actions = actions[:s.max]
	}
	s.log.Debug("dom walk complete",
		zap.String("snapshot_id", snap.ID),
		zap.Int("candidates", len(actions)))
	return actions, nil
}

// classify turns one element node into a candidate action, when it is
// interactive enough to be worth proposing.
func (s *DOMSuggester) classify(n *html.Node) (schemas.Action, bool) {
	attrs := attrMap(n)
	// disabled and hidden are boolean attributes; their presence alone
	// disqualifies the element, whatever the value.
	if hasAttr(n, "disabled") || hasAttr(n, "hidden") {
		return schemas.Action{}, false
	}

	selector := cssSelector(n, attrs)
	text := strings.TrimSpace(nodeText(n))

	switch n.Data {
	case "button":
		return schemas.Action{
			Type:          schemas.ActionClick,
			TargetElement: selector,
			Parameters:    textParams(text),
			Confidence:    scoreClickable(attrs, text),
			Description:   describe("Click", text, selector),
		}, true
	case "input":
		switch strings.ToLower(attrs["type"]) {
		case "submit", "button":
			return schemas.Action{
				Type:          schemas.ActionClick,
				TargetElement: selector,
				Parameters:    textParams(attrs["value"]),
				Confidence:    scoreClickable(attrs, attrs["value"]),
				Description:   describe("Click", attrs["value"], selector),
			}, true
		case "", "text", "number", "email", "search":
			return schemas.Action{
				Type:          schemas.ActionTypeText,
				TargetElement: selector,
				Parameters:    map[string]any{"placeholder": attrs["placeholder"]},
				Confidence:    0.5,
				Description:   describe("Type into", attrs["name"], selector),
			}, true
		}
	case "select":
		return schemas.Action{
			Type:          schemas.ActionSelect,
			TargetElement: selector,
			Confidence:    0.45,
			Description:   describe("Select from", attrs["name"], selector),
		}, true
	case "a":
		href := attrs["href"]
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return schemas.Action{}, false
		}
		return schemas.Action{
			Type:          schemas.ActionNavigate,
			TargetElement: selector,
			Parameters:    map[string]any{"url": href},
			Confidence:    0.3,
			Description:   describe("Navigate via", text, selector),
		}, true
	}
	return schemas.Action{}, false
}

// scoreClickable favors elements that self-identify (ids, labels) over
// anonymous ones.
func scoreClickable(attrs map[string]string, text string) float64 {
	score := 0.6
	if attrs["id"] != "" || attrs["class"] != "" {
		score += 0.2
	}
	if text != "" {
		score += 0.05
	}
	return score
}

// cssSelector builds the most specific simple selector available for the
// node: id first, then tag with its first class, then the bare tag.
func cssSelector(n *html.Node, attrs map[string]string) string {
	if id := attrs["id"]; id != "" {
		return "#" + id
	}
	if class := attrs["class"]; class != "" {
		first := strings.Fields(class)[0]
		return n.Data + "." + first
	}
	return n.Data
}

// hasAttr reports attribute presence, which is what matters for boolean
// attributes like disabled that parse with an empty value.
func hasAttr(n *html.Node, name string) bool {
	for _, a := range n.Attr {
		if a.Key == name {
			return true
		}
	}
	return false
}

func attrMap(n *html.Node) map[string]string {
	attrs := make(map[string]string, len(n.Attr))
	for _, a := range n.Attr {
		attrs[a.Key] = a.Val
	}
	return attrs
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	}
	return sb.String()
}

func textParams(text string) map[string]any {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return map[string]any{"label": text}
}

func describe(verb, label, selector string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		label = selector
	}
	return fmt.Sprintf("%s %q", verb, label)
}
