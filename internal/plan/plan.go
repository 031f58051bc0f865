// Package plan defines the response plan handed from the decision step to
// the playback scheduler.
package plan

import (
	"fmt"
	"strings"
)

// Kind distinguishes pre-recorded from synthesized items.
type Kind int

const (
	KindAsset Kind = iota + 1
	KindSynthesize
)

func (k Kind) String() string {
	switch k {
	case KindAsset:
		return "asset"
	case KindSynthesize:
		return "synthesize"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Item is one entry of a plan.
type Item struct {
	Kind Kind
	Name string // asset name when Kind == KindAsset
	Text string // text when Kind == KindSynthesize
}

// Asset returns an asset item.
func Asset(name string) Item { return Item{Kind: KindAsset, Name: name} }

// Synthesize returns a synthesize item.
func Synthesize(text string) Item { return Item{Kind: KindSynthesize, Text: text} }

func (i Item) String() string {
	if i.Kind == KindAsset {
		return "asset:" + i.Name
	}
	return fmt.Sprintf("synthesize:%q", i.Text)
}

// Plan is an immutable ordered list of items.
type Plan struct {
	items []Item
}

// New copies items into a new plan.
func New(items ...Item) Plan {
	cp := make([]Item, len(items))
	copy(cp, items)
	return Plan{items: cp}
}

func (p Plan) Len() int      { return len(p.items) }
func (p Plan) Empty() bool   { return len(p.items) == 0 }
func (p Plan) At(i int) Item { return p.items[i] }

// Items returns a copy of the items.
func (p Plan) Items() []Item {
	cp := make([]Item, len(p.items))
	copy(cp, p.items)
	return cp
}

// AssetNames lists asset item names in order.
func (p Plan) AssetNames() []string {
	var out []string
	for _, it := range p.items {
		if it.Kind == KindAsset {
			out = append(out, it.Name)
		}
	}
	return out
}

// SynthesizeCount counts synthesize items.
func (p Plan) SynthesizeCount() int {
	n := 0
	for _, it := range p.items {
		if it.Kind == KindSynthesize {
			n++
		}
	}
	return n
}

func (p Plan) String() string {
	parts := make([]string, len(p.items))
	for i, it := range p.items {
		parts[i] = it.String()
	}
	return "[" + strings.Join(parts, " + ") + "]"
}

// Decision is the decision step's full result for one utterance.
type Decision struct {
	Plan Plan
	// Variables are overwrite updates keyed by schema variable name.
	Variables map[string]string
	// Flags names flags to set; flags are never cleared.
	Flags []string
	// Transfer asks the session to hand the call to a human after Plan plays.
	Transfer bool
	// Hangup ends the call after Plan plays.
	Hangup bool
	// Reason is a short label for logs, e.g. "llm", "fallback", "transfer_keyword".
	Reason string
	// Fallback is true when the plan substitutes for a failed decision.
	Fallback bool
}
