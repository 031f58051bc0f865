// Package decision chooses what the agent says next: it extracts schema
// variables, detects transfer requests and asks a language model for a
// response plan.
package decision

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chadiek/callstream/internal/llm"
	"github.com/chadiek/callstream/internal/plan"
)

const DefaultPersona = "You are a friendly, professional voice assistant for a plumbing business. " +
	"Answer callers with the right pre-recorded audio files from the library, or generate a short spoken reply."

const defaultClarify = "Could you tell me a bit more about what you need?"

// Config tunes a Router.
type Config struct {
	// Persona opens the system prompt.
	Persona string
	// Assets returns the library's current asset names.
	Assets func() []string
	// Variables limits extraction to these names; empty allows all.
	Variables []string
	// FlagRules maps asset name to the flag it sets; assets whose flag is
	// already set are not replayed.
	FlagRules map[string]string

	TransferEnabled        bool
	TransferKeywords       []string
	AutoTransfer           bool
	AutoTransferConditions []string

	// Clarify is spoken when the model's plan is empty after filtering.
	Clarify string
	// HistoryTurns bounds the conversation lines included in the prompt.
	HistoryTurns int
}

// Router is the default decision step.
type Router struct {
	llm    llm.Completer
	cfg    Config
	vars   map[string]bool
	logger *zap.Logger
}

func NewRouter(c llm.Completer, cfg Config, logger *zap.Logger) *Router {
	if cfg.Persona == "" {
		cfg.Persona = DefaultPersona
	}
	if cfg.Clarify == "" {
		cfg.Clarify = defaultClarify
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = 6
	}
	if cfg.TransferKeywords == nil {
		cfg.TransferKeywords = DefaultTransferKeywords
	}
	if cfg.AutoTransferConditions == nil {
		cfg.AutoTransferConditions = DefaultAutoTransferConditions
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var vars map[string]bool
	if len(cfg.Variables) > 0 {
		vars = make(map[string]bool, len(cfg.Variables))
		for _, v := range cfg.Variables {
			vars[v] = true
		}
	}
	return &Router{llm: c, cfg: cfg, vars: vars, logger: logger}
}

// Decide implements session.Decider. A model failure is not returned as an
// error: the decision comes back marked Fallback so extracted variables are
// still stored.
func (r *Router) Decide(ctx context.Context, req Request) (plan.Decision, error) {
	d := plan.Decision{Variables: r.extract(req.Utterance)}

	if r.cfg.TransferEnabled {
		conds := []string(nil)
		if r.cfg.AutoTransfer {
			conds = r.cfg.AutoTransferConditions
		}
		if ok, reason := DetectTransfer(req.Utterance, r.cfg.TransferKeywords, conds); ok {
			d.Transfer, d.Reason = true, reason
			return d, nil
		}
	}

	start := time.Now()
	out, err := r.llm.Complete(ctx, r.systemPrompt(), r.prompt(req, d.Variables))
	if err != nil {
		if ctx.Err() != nil {
			return plan.Decision{}, fmt.Errorf("decision: %w", ctx.Err())
		}
		r.logger.Warn("model call failed", zap.String("call_id", req.CallID), zap.Error(err))
		d.Fallback, d.Reason = true, "llm_error"
		return d, nil
	}
	p := r.dropRepeats(ParsePlan(out), req)
	if p.Empty() {
		p = plan.New(plan.Synthesize(r.cfg.Clarify))
	}
	d.Plan, d.Reason = p, "llm"
	r.logger.Debug("model answered",
		zap.String("call_id", req.CallID),
		zap.String("raw", out),
		zap.String("plan", p.String()),
		zap.Duration("took", time.Since(start)))
	return d, nil
}

func (r *Router) extract(utterance string) map[string]string {
	vars := Extract(utterance)
	if r.vars == nil {
		return vars
	}
	for k := range vars {
		if !r.vars[k] {
			delete(vars, k)
		}
	}
	return vars
}

// dropRepeats removes assets whose flag says they were already played.
func (r *Router) dropRepeats(p plan.Plan, req Request) plan.Plan {
	if len(r.cfg.FlagRules) == 0 {
		return p
	}
	items := make([]plan.Item, 0, p.Len())
	for _, it := range p.Items() {
		if it.Kind == plan.KindAsset {
			if f, ok := r.cfg.FlagRules[it.Name]; ok && req.FlagSet(f) {
				continue
			}
		}
		items = append(items, it)
	}
	if len(items) == p.Len() {
		return p
	}
	return plan.New(items...)
}

func (r *Router) systemPrompt() string {
	var b strings.Builder
	b.WriteString(r.cfg.Persona)
	b.WriteString("\n\nRULES:\n")
	b.WriteString("- Reply with only audio file names joined by +, for example: intro.mp3 + services.mp3\n")
	b.WriteString("- Or reply GENERATE: followed by a short spoken answer when no file fits, or to book a visit\n")
	b.WriteString("- Never replay a file listed as already played\n")
	b.WriteString("- No lists, symbols or emojis in generated text\n")
	if r.cfg.Assets != nil {
		names := r.cfg.Assets()
		if len(names) > 0 {
			b.WriteString("\nAVAILABLE AUDIO FILES:\n")
			b.WriteString(strings.Join(names, ", "))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (r *Router) prompt(req Request, extracted map[string]string) string {
	var b strings.Builder

	vars := make(map[string]string, len(req.Variables)+len(extracted))
	for k, v := range req.Variables {
		vars[k] = v
	}
	for k, v := range extracted {
		vars[k] = v
	}
	if len(vars) > 0 {
		b.WriteString("CALL VARIABLES:\n")
		for _, k := range sortedKeys(vars) {
			b.WriteString(k)
			b.WriteString(" = ")
			b.WriteString(vars[k])
			b.WriteString("\n")
		}
	}

	var played []string
	for f, set := range req.Flags {
		if set {
			played = append(played, f)
		}
	}
	if len(played) > 0 {
		sort.Strings(played)
		b.WriteString("ALREADY COVERED: ")
		b.WriteString(strings.Join(played, ", "))
		b.WriteString("\n")
		if rep := r.playedAssets(req); len(rep) > 0 {
			b.WriteString("ALREADY PLAYED (do not repeat): ")
			b.WriteString(strings.Join(rep, ", "))
			b.WriteString("\n")
		}
	}

	history := req.History
	if n := len(history); n > 0 && history[n-1].Role == "USER" && history[n-1].Text == req.Utterance {
		history = history[:n-1]
	}
	if len(history) > r.cfg.HistoryTurns {
		history = history[len(history)-r.cfg.HistoryTurns:]
	}
	if len(history) > 0 || b.Len() > 0 {
		b.WriteString("\n")
	}
	for _, t := range history {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(t.Role))
		b.WriteString("] ")
		b.WriteString(t.Text)
		b.WriteString("\n")
	}
	b.WriteString("[USER] ")
	b.WriteString(req.Utterance)
	return b.String()
}

func (r *Router) playedAssets(req Request) []string {
	var out []string
	for asset, f := range r.cfg.FlagRules {
		if req.FlagSet(f) {
			out = append(out, asset+".mp3")
		}
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
