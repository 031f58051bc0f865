package decision

import (
	"regexp"
	"strings"
)

type mapping struct {
	keyword string
	value   string
}

// ordered; first match wins
var serviceMappings = []mapping{
	{"gas leak", "emergency"},
	{"burst pipe", "emergency"},
	{"flooding", "emergency"},
	{"blocked drain", "blocked_drain"}, {"drain blocked", "blocked_drain"}, {"clogged drain", "blocked_drain"},
	{"leaking tap", "leaking_tap"}, {"tap leak", "leaking_tap"}, {"dripping tap", "leaking_tap"}, {"faucet leak", "leaking_tap"},
	{"no hot water", "hot_water"}, {"hot water", "hot_water"}, {"water heater", "hot_water"},
	{"toilet", "toilet_repair"}, {"loo", "toilet_repair"}, {"dunny", "toilet_repair"},
	{"gas fitting", "gas_fitting"}, {"gas", "gas_fitting"},
	{"shower", "shower_repair"}, {"bathroom", "bathroom_repair"}, {"bath", "bathroom_repair"},
	{"dishwasher", "kitchen_plumbing"}, {"kitchen", "kitchen_plumbing"}, {"sink", "kitchen_plumbing"},
	{"emergency", "emergency"}, {"urgent", "emergency"},
}

var (
	namePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\bmy name is ([a-z]+)`),
		regexp.MustCompile(`\bthis is ([a-z]+)`),
		regexp.MustCompile(`\bi'?m ([a-z]+) speaking\b`),
		regexp.MustCompile(`\b([a-z]+) speaking\b`),
	}
	phonePattern    = regexp.MustCompile(`(\+?\d[\d\s]{8,13}\d)`)
	locationPattern = regexp.MustCompile(`\b(?:in|at|from|located in|address is)\s+([A-Z][a-zA-Z]{3,})`)
)

// words that follow "this is" without being a name
var notNames = map[string]bool{
	"a": true, "an": true, "the": true, "about": true, "urgent": true,
	"really": true, "not": true, "just": true, "for": true, "regarding": true,
}

// Extract pulls schema variables out of a caller utterance by keyword. Only
// variables it finds are returned; nothing is reset to a default.
func Extract(utterance string) map[string]string {
	out := make(map[string]string)
	lower := strings.ToLower(utterance)

	for _, m := range serviceMappings {
		if containsWord(lower, m.keyword) {
			out["service_type"] = m.value
			break
		}
	}

	switch {
	case containsAny(lower, "emergency", "urgent", "asap", "flooding", "burst", "right now"):
		out["urgency_level"] = "emergency"
	case containsAny(lower, "soon", "today", "this week"):
		out["urgency_level"] = "urgent"
	case containsAny(lower, "whenever", "flexible", "no rush"):
		out["urgency_level"] = "flexible"
	}

	switch {
	case containsAny(lower, "unit", "apartment", "flat"):
		out["property_type"] = "unit"
	case containsAny(lower, "house", "home"):
		out["property_type"] = "house"
	case containsAny(lower, "business", "office", "shop", "commercial"):
		out["property_type"] = "commercial"
	}

	if m := locationPattern.FindStringSubmatch(utterance); m != nil {
		out["customer_location"] = m[1]
	}

	for _, re := range namePatterns {
		if m := re.FindStringSubmatch(lower); m != nil && !notNames[m[1]] {
			out["customer_name"] = strings.ToUpper(m[1][:1]) + m[1][1:]
			break
		}
	}

	if m := phonePattern.FindStringSubmatch(utterance); m != nil {
		out["customer_phone"] = strings.Join(strings.Fields(m[1]), "")
	}

	switch {
	case containsAny(lower, "morning", "early"):
		out["preferred_time"] = "morning"
	case containsAny(lower, "afternoon", "lunch"):
		out["preferred_time"] = "afternoon"
	case containsAny(lower, "evening", "after work"):
		out["preferred_time"] = "evening"
	}

	switch {
	case containsAny(lower, "today", "asap", "right now"):
		out["preferred_date"] = "today"
	case containsAny(lower, "tomorrow"):
		out["preferred_date"] = "tomorrow"
	case containsAny(lower, "this week", "next week"):
		out["preferred_date"] = "this_week"
	}
	return out
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if containsWord(s, w) {
			return true
		}
	}
	return false
}

// containsWord matches w in s on word boundaries; both are lower case.
func containsWord(s, w string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], w)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(w)
		if (start == 0 || !isWordByte(s[start-1])) && (end == len(s) || !isWordByte(s[end])) {
			return true
		}
		i = start + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b == '_' || b >= 0x80
}
