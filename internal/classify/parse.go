package classify

import (
	"encoding/json"
	"strings"

	"github.com/functionsdo/gateway/internal/fn"
)

// modelReply is the JSON shape providers are prompted to return.
type modelReply struct {
	Type       string   `json:"type"`
	Confidence *float64 `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
}

var tierNames = []fn.Kind{fn.KindCode, fn.KindGenerative, fn.KindAgentic, fn.KindHuman}

// parseReply turns a model reply into a verdict. Fenced code blocks are
// unwrapped first; if JSON decoding fails, the four tier names are matched
// as substrings at confidence 0.5.
func parseReply(text string) (*fn.Classification, bool) {
	text = unwrapFences(text)

	var reply modelReply
	if err := json.Unmarshal([]byte(text), &reply); err == nil && reply.Type != "" {
		kind := fn.Kind(strings.ToLower(strings.TrimSpace(reply.Type)))
		if kind.Tier() == 0 {
			return nil, false
		}
		confidence := 0.5
		if reply.Confidence != nil {
			confidence = clamp(*reply.Confidence)
		}
		return &fn.Classification{
			Type:       kind,
			Confidence: confidence,
			Reasoning:  reply.Reasoning,
		}, true
	}

	lower := strings.ToLower(text)
	for _, kind := range tierNames {
		if strings.Contains(lower, string(kind)) {
			return &fn.Classification{
				Type:       kind,
				Confidence: 0.5,
				Reasoning:  "inferred from unstructured reply",
			}, true
		}
	}
	return nil, false
}

// unwrapFences strips a leading ``` or ```json fence and its closing fence.
func unwrapFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		// Drop the language tag on the fence line.
		first := strings.TrimSpace(text[:nl])
		if first == "" || isFenceTag(first) {
			text = text[nl+1:]
		}
	}
	if end := strings.LastIndex(text, "```"); end >= 0 {
		text = text[:end]
	}
	return strings.TrimSpace(text)
}

func isFenceTag(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Keyword tables for the heuristic fallback. Checked in tier order; first
// hit wins.
var keywordTables = []struct {
	kind     fn.Kind
	keywords []string
}{
	{fn.KindCode, []string{"calculate", "compute", "convert", "parse", "validate", "sort", "hash", "encode"}},
	{fn.KindGenerative, []string{"summarize", "translate", "generate", "write", "describe", "compose"}},
	{fn.KindAgentic, []string{"research", "investigate", "analyze", "audit", "orchestrate", "crawl"}},
	{fn.KindHuman, []string{"approve", "review", "moderate", "verify", "authorize", "sign"}},
}

// heuristic classifies by keyword when no provider produced a verdict. A
// keyword hit in the name scores 0.6; the description agreeing on the same
// tier boosts it to 0.8. No hit anywhere defaults to code at 0.3.
func heuristic(name, description string) *fn.Classification {
	nameKind, nameWord := matchKeywords(strings.ToLower(name))
	descKind, descWord := matchKeywords(strings.ToLower(description))

	switch {
	case nameKind != "" && nameKind == descKind:
		return &fn.Classification{
			Type:       nameKind,
			Confidence: 0.8,
			Reasoning:  "name and description both suggest " + string(nameKind) + " (" + nameWord + ", " + descWord + ")",
			Provider:   "fallback",
		}
	case nameKind != "":
		return &fn.Classification{
			Type:       nameKind,
			Confidence: 0.6,
			Reasoning:  "name contains " + nameWord,
			Provider:   "fallback",
		}
	case descKind != "":
		return &fn.Classification{
			Type:       descKind,
			Confidence: 0.6,
			Reasoning:  "description contains " + descWord,
			Provider:   "fallback",
		}
	}
	return &fn.Classification{
		Type:       fn.KindCode,
		Confidence: 0.3,
		Reasoning:  "no keyword matched; defaulting to code",
		Provider:   "fallback",
	}
}

func matchKeywords(text string) (fn.Kind, string) {
	if text == "" {
		return "", ""
	}
	for _, table := range keywordTables {
		for _, kw := range table.keywords {
			if strings.Contains(text, kw) {
				return table.kind, kw
			}
		}
	}
	return "", ""
}
