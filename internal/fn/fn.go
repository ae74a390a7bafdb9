// Package fn defines the function model shared across the gateway: metadata,
// code records, tool specs, and the kind/tier mapping.
package fn

import (
	"encoding/json"
	"time"
)

// Kind is the execution tier a function belongs to.
type Kind string

const (
	KindCode       Kind = "code"
	KindGenerative Kind = "generative"
	KindAgentic    Kind = "agentic"
	KindHuman      Kind = "human"
	KindCascade    Kind = "cascade"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCode, KindGenerative, KindAgentic, KindHuman, KindCascade:
		return true
	}
	return false
}

// Tier returns the tier number for k: code=1, generative=2, agentic=3,
// human=4. Cascade is not itself a tier and returns 0.
func (k Kind) Tier() int {
	switch k {
	case KindCode:
		return 1
	case KindGenerative:
		return 2
	case KindAgentic:
		return 3
	case KindHuman:
		return 4
	}
	return 0
}

// Error handling policies for cascade functions.
const (
	ErrorHandlingFailFast = "fail-fast"
	ErrorHandlingFallback = "fallback"
	ErrorHandlingContinue = "continue"
)

// Metadata describes a deployed function. A nil or empty Type means the
// dispatcher treats the function as code.
type Metadata struct {
	ID          string `json:"id"`
	Version     string `json:"version,omitempty"`
	Language    string `json:"language,omitempty"`
	EntryPoint  string `json:"entryPoint,omitempty"`
	Type        Kind   `json:"type,omitempty"`
	Description string `json:"description,omitempty"`

	// Generative and agentic fields.
	Model        string          `json:"model,omitempty"`
	Prompt       string          `json:"prompt,omitempty"`
	SystemPrompt string          `json:"systemPrompt,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	Tools        []ToolSpec      `json:"tools,omitempty"`
	Goal         string          `json:"goal,omitempty"`

	// Human fields.
	InteractionType string   `json:"interactionType,omitempty"`
	UI              *UIForm  `json:"ui,omitempty"`
	Assignees       []string `json:"assignees,omitempty"`
	SLA             string   `json:"sla,omitempty"`
	Timeout         string   `json:"timeout,omitempty"` // NNs|NNm|NNh|NNd
	CallbackURL     string   `json:"callbackUrl,omitempty"`

	// Cascade fields.
	Steps         []CascadeStep `json:"steps,omitempty"`
	ErrorHandling string        `json:"errorHandling,omitempty"`

	Classification *Classification  `json:"classification,omitempty"`
	Rollbacks      []RollbackRecord `json:"rollbacks,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EffectiveKind resolves the absent-type default.
func (m *Metadata) EffectiveKind() Kind {
	if m.Type == "" {
		return KindCode
	}
	return m.Type
}

// CascadeStep is one entry in a cascade function's step list.
type CascadeStep struct {
	FunctionID string `json:"functionId"`
	Tier       string `json:"tier"`
	FallbackTo string `json:"fallbackTo,omitempty"`
}

// ToolSpec declares a capability available to an agentic function.
type ToolSpec struct {
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	InputSchema    json.RawMessage `json:"inputSchema,omitempty"`
	Implementation ToolImpl        `json:"implementation"`
}

// Tool implementation kinds.
const (
	ToolBuiltin  = "builtin"
	ToolAPI      = "api"
	ToolFunction = "function"
	ToolInline   = "inline"
)

// ToolImpl is the tagged implementation variant of a tool.
type ToolImpl struct {
	Kind       string `json:"kind"`
	Name       string `json:"name,omitempty"`       // builtin handler name
	Endpoint   string `json:"endpoint,omitempty"`   // api target
	FunctionID string `json:"functionId,omitempty"` // function target
	Code       string `json:"code,omitempty"`       // inline, always rejected
}

// UIForm describes the form presented for a human task.
type UIForm struct {
	Title  string          `json:"title,omitempty"`
	Fields []UIField       `json:"fields,omitempty"`
	Schema json.RawMessage `json:"schema,omitempty"` // optional JSON schema for the response
}

// UIField is one input in a UIForm.
type UIField struct {
	Name     string   `json:"name"`
	Label    string   `json:"label,omitempty"`
	Type     string   `json:"type,omitempty"`
	Required bool     `json:"required,omitempty"`
	Options  []string `json:"options,omitempty"`
}

// RequiredFields lists the names of required form fields.
func (f *UIForm) RequiredFields() []string {
	if f == nil {
		return nil
	}
	var out []string
	for _, field := range f.Fields {
		if field.Required {
			out = append(out, field.Name)
		}
	}
	return out
}

// Code holds a function's source and derived artifacts.
type Code struct {
	Source    string    `json:"source"`
	Compiled  string    `json:"compiled,omitempty"`
	SourceMap string    `json:"sourceMap,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Classification is the classifier's verdict for an unlabeled function.
type Classification struct {
	Type       Kind    `json:"type"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Provider   string  `json:"provider"`
	LatencyMs  int64   `json:"latencyMs"`
}

// RollbackRecord captures one rollback of the current version pointer.
type RollbackRecord struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}
