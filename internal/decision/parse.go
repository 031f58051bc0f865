package decision

import (
	"path"
	"regexp"
	"strings"

	"github.com/chadiek/callstream/internal/plan"
)

var assetName = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// ParsePlan turns model output into a plan. Two shapes are understood:
//
//	intro.mp3 + services.mp3
//	GENERATE: text to speak
//
// Anything else is spoken as is. Empty output yields an empty plan.
func ParsePlan(raw string) plan.Plan {
	out := strings.TrimSpace(raw)
	out = strings.Trim(out, "\"'`")
	out = strings.TrimSpace(out)
	if out == "" {
		return plan.Plan{}
	}

	upper := strings.ToUpper(out)
	if strings.HasPrefix(upper, "GENERATE:") || strings.HasPrefix(upper, "GENERATE ") {
		text := strings.TrimSpace(out[len("GENERATE"):])
		text = strings.TrimSpace(strings.TrimPrefix(text, ":"))
		if text == "" {
			return plan.Plan{}
		}
		return plan.New(plan.Synthesize(text))
	}

	parts := strings.Split(out, "+")
	items := make([]plan.Item, 0, len(parts))
	for _, p := range parts {
		name, ok := normalizeAsset(p)
		if !ok {
			return plan.New(plan.Synthesize(out))
		}
		items = append(items, plan.Asset(name))
	}
	return plan.New(items...)
}

func normalizeAsset(s string) (string, bool) {
	s = path.Base(strings.TrimSpace(s))
	for _, ext := range []string{".mp3", ".wav", ".MP3", ".WAV"} {
		s = strings.TrimSuffix(s, ext)
	}
	return s, assetName.MatchString(s)
}
