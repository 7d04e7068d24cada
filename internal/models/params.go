package models

// Required parameter names, in the fixed order they are asked.
const (
	ParamEffectSize = "effect_size"
	ParamModelType  = "model_type"
)

// Optional parameter topics tracked by AskedOptional.
const (
	OptSubgroups   = "subgroup_columns"
	OptModerators  = "moderator_columns"
	OptSensitivity = "sensitivity"
)

// Optional scalar parameter names carried in Optional.
const (
	OptSensitivityVariable = "sensitivity_variable"
	OptSensitivityValue    = "sensitivity_value"
)

// RequiredOrder fixes the definitional order of required parameters:
// effect_size is asked before model_type.
var RequiredOrder = []string{ParamEffectSize, ParamModelType}

// CollectedParameters is the transient sub-state of dialog collection.
// Required holds name → value for required parameters; Missing lists the
// required names not yet satisfied, in definitional order. Optional holds
// list-valued optional parameters (merged by union, never overwritten).
// Suggested marks optional values that were pre-filled from file-analysis
// candidates rather than typed by the user.
type CollectedParameters struct {
	Required map[string]string   `json:"required"`
	Missing  []string            `json:"missing_required"`
	Optional map[string][]string `json:"optional,omitempty"`

	// DataColumns maps a standardized column role (ai, n1i, yi, ...) to the
	// raw CSV column that plays it.
	DataColumns map[string]string `json:"data_columns,omitempty"`

	AskedOptional map[string]bool `json:"asked_optional,omitempty"`
	Suggested     map[string]bool `json:"suggested,omitempty"`

	// Effect-size bookkeeping recorded when the auto-detected value is
	// adopted from file analysis.
	LogTransformed bool   `json:"log_transformed,omitempty"`
	DataFormat     string `json:"data_format,omitempty"`
}

// NewCollectedParameters initializes collection with every required
// parameter absent and all optional topics unasked.
func NewCollectedParameters() *CollectedParameters {
	missing := make([]string, len(RequiredOrder))
	copy(missing, RequiredOrder)
	return &CollectedParameters{
		Required:      make(map[string]string),
		Missing:       missing,
		Optional:      make(map[string][]string),
		DataColumns:   make(map[string]string),
		AskedOptional: make(map[string]bool),
		Suggested:     make(map[string]bool),
	}
}

// SetRequired records a required value and removes it from Missing. Setting
// an empty value is a no-op so that a parameter never re-enters Missing.
func (p *CollectedParameters) SetRequired(name, value string) {
	if value == "" {
		return
	}
	if p.Required == nil {
		p.Required = make(map[string]string)
	}
	p.Required[name] = value
	for i, m := range p.Missing {
		if m == name {
			p.Missing = append(p.Missing[:i], p.Missing[i+1:]...)
			break
		}
	}
}

// AddOptional unions values into a list-valued optional parameter.
func (p *CollectedParameters) AddOptional(name string, values ...string) {
	if p.Optional == nil {
		p.Optional = make(map[string][]string)
	}
	existing := p.Optional[name]
	for _, v := range values {
		if v == "" || contains(existing, v) {
			continue
		}
		existing = append(existing, v)
	}
	p.Optional[name] = existing
}

// OptionalScalar returns the first value of a list-valued optional
// parameter, or "" when unset.
func (p *CollectedParameters) OptionalScalar(name string) string {
	if vs := p.Optional[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// MapColumn records a role → raw column assignment.
func (p *CollectedParameters) MapColumn(role, column string) {
	if column == "" {
		return
	}
	if p.DataColumns == nil {
		p.DataColumns = make(map[string]string)
	}
	p.DataColumns[role] = column
}

// MarkAsked records that an optional topic has been prompted for, so it is
// never re-asked regardless of the answer.
func (p *CollectedParameters) MarkAsked(topic string) {
	if p.AskedOptional == nil {
		p.AskedOptional = make(map[string]bool)
	}
	p.AskedOptional[topic] = true
}

// RequiredComplete reports whether every required parameter is satisfied.
func (p *CollectedParameters) RequiredComplete() bool {
	return len(p.Missing) == 0
}

// EffectSize returns the chosen effect size, or "" when unset.
func (p *CollectedParameters) EffectSize() string {
	return p.Required[ParamEffectSize]
}

// ModelType returns the chosen model type, or "" when unset.
func (p *CollectedParameters) ModelType() string {
	return p.Required[ParamModelType]
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// ExtractedParams is the structured output of one generative-extraction
// call over a user turn. A nil or all-empty value means "no new
// information", not an error.
type ExtractedParams struct {
	Required    map[string]string   `json:"required,omitempty"`
	Optional    map[string][]string `json:"optional,omitempty"`
	DataColumns map[string]string   `json:"data_columns,omitempty"`
}

// Empty reports whether the extraction carried no usable values.
func (e *ExtractedParams) Empty() bool {
	if e == nil {
		return true
	}
	return len(e.Required) == 0 && len(e.Optional) == 0 && len(e.DataColumns) == 0
}
