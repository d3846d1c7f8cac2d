package tool

import (
	"fmt"
	"time"
)

// ParamKind is the declared type of a tool parameter
type ParamKind string

const (
	KindBool        ParamKind = "bool"
	KindInt         ParamKind = "int"
	KindFloat       ParamKind = "float"
	KindString      ParamKind = "string"
	KindFile        ParamKind = "file"
	KindFileArray   ParamKind = "file_array"
	KindStringArray ParamKind = "string_array"
	KindIntArray    ParamKind = "int_array"
)

// IsArray reports whether the kind holds a list of values
func (k ParamKind) IsArray() bool {
	return k == KindFileArray || k == KindStringArray || k == KindIntArray
}

func (k ParamKind) valid() bool {
	switch k {
	case KindBool, KindInt, KindFloat, KindString, KindFile, KindFileArray, KindStringArray, KindIntArray:
		return true
	}
	return false
}

// OutputKind is the media type a tool produces
type OutputKind string

const (
	OutputImage OutputKind = "image"
	OutputVideo OutputKind = "video"
	OutputAudio OutputKind = "audio"
	OutputText  OutputKind = "text"
)

// BackendKind selects the execution substrate of a tool
type BackendKind string

const (
	BackendLocal          BackendKind = "local"
	BackendRemoteFunction BackendKind = "remote-function"
	BackendJobQueue       BackendKind = "job-queue"
	BackendPollingREST    BackendKind = "polling-rest"
	BackendCloudJob       BackendKind = "cloud-job"
)

// RandomDefault is the sentinel default that draws a value from [minimum, maximum]
const RandomDefault = "random"

// SamplesParam is the argument holding the requested sample count
const SamplesParam = "n_samples"

// ParameterSpec describes one typed, constrained tool input
type ParameterSpec struct {
	Name        string    `yaml:"name" json:"name"`
	Kind        ParamKind `yaml:"type" json:"type"`
	Label       string    `yaml:"label,omitempty" json:"label,omitempty"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Required    bool      `yaml:"required,omitempty" json:"required,omitempty"`
	Default     any       `yaml:"default,omitempty" json:"default,omitempty"`
	Minimum     *float64  `yaml:"minimum,omitempty" json:"minimum,omitempty"`
	Maximum     *float64  `yaml:"maximum,omitempty" json:"maximum,omitempty"`
	MinLength   *int      `yaml:"min_length,omitempty" json:"min_length,omitempty"`
	MaxLength   *int      `yaml:"max_length,omitempty" json:"max_length,omitempty"`
	Choices     []any     `yaml:"choices,omitempty" json:"choices,omitempty"`
	Hidden      bool      `yaml:"hide_from_agent,omitempty" json:"hide_from_agent,omitempty"`
}

// IsRandom reports whether the default is the "random" sentinel
func (p ParameterSpec) IsRandom() bool {
	s, ok := p.Default.(string)
	return ok && s == RandomDefault
}

// NodeBinding maps a parameter onto a field of a job graph node
type NodeBinding struct {
	NodeID   string `yaml:"node_id" json:"node_id"`
	Field    string `yaml:"field" json:"field"`
	Subfield string `yaml:"subfield,omitempty" json:"subfield,omitempty"`
}

// ComfyUIConfig configures a job-queue (websocket) tool
type ComfyUIConfig struct {
	Workspace    string                 `yaml:"workspace" json:"workspace"`
	Graph        string                 `yaml:"graph" json:"graph"`
	OutputNodeID string                 `yaml:"output_node_id" json:"output_node_id"`
	Mappings     map[string]NodeBinding `yaml:"mappings" json:"mappings"`
}

// ReplicateConfig configures a polling-REST tool
type ReplicateConfig struct {
	Model   string `yaml:"model" json:"model"`
	Version string `yaml:"version,omitempty" json:"version,omitempty"`
}

// ModalConfig configures a remote-function tool
type ModalConfig struct {
	App      string `yaml:"app" json:"app"`
	Function string `yaml:"function" json:"function"`
}

// VertexConfig configures a cloud custom-job tool
type VertexConfig struct {
	MachineType      string `yaml:"machine_type" json:"machine_type"`
	AcceleratorType  string `yaml:"accelerator_type,omitempty" json:"accelerator_type,omitempty"`
	AcceleratorCount int    `yaml:"accelerator_count,omitempty" json:"accelerator_count,omitempty"`
	Image            string `yaml:"image,omitempty" json:"image,omitempty"`
}

// Definition is an immutable, registered tool
type Definition struct {
	Key         string          `yaml:"key" json:"key"`
	Name        string          `yaml:"name" json:"name"`
	Description string          `yaml:"description" json:"description"`
	OutputKind  OutputKind      `yaml:"output_type" json:"output_type"`
	CostFormula string          `yaml:"cost_estimate" json:"cost_estimate"`
	Backend     BackendKind     `yaml:"handler" json:"handler"`
	MaxDuration time.Duration   `yaml:"max_duration,omitempty" json:"max_duration,omitempty"`
	Parameters  []ParameterSpec `yaml:"parameters" json:"parameters"`

	ComfyUI   *ComfyUIConfig   `yaml:"comfyui,omitempty" json:"comfyui,omitempty"`
	Replicate *ReplicateConfig `yaml:"replicate,omitempty" json:"replicate,omitempty"`
	Modal     *ModalConfig     `yaml:"modal,omitempty" json:"modal,omitempty"`
	Vertex    *VertexConfig    `yaml:"vertex,omitempty" json:"vertex,omitempty"`

	// Dir is the directory the definition was loaded from
	Dir string `yaml:"-" json:"-"`
}

// Parameter returns the parameter definition for name
func (d *Definition) Parameter(name string) (ParameterSpec, bool) {
	for _, p := range d.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return ParameterSpec{}, false
}

// Validate checks the definition is internally consistent
func (d *Definition) Validate() error {
	if d.Key == "" {
		return fmt.Errorf("tool key cannot be empty")
	}
	if d.Description == "" {
		return &ConfigError{Tool: d.Key, Msg: "description cannot be empty"}
	}

	seen := make(map[string]bool, len(d.Parameters))
	for _, p := range d.Parameters {
		if p.Name == "" {
			return &ConfigError{Tool: d.Key, Msg: "parameter name cannot be empty"}
		}
		if seen[p.Name] {
			return &ConfigError{Tool: d.Key, Msg: fmt.Sprintf("duplicate parameter %s", p.Name)}
		}
		seen[p.Name] = true
		if !p.Kind.valid() {
			return &ConfigError{Tool: d.Key, Msg: fmt.Sprintf("invalid parameter type %q for %s", p.Kind, p.Name)}
		}
		if p.IsRandom() {
			if p.Kind != KindInt {
				return &ConfigError{Tool: d.Key, Msg: fmt.Sprintf("%s: random default requires an int parameter", p.Name)}
			}
			if p.Minimum == nil || p.Maximum == nil {
				return &ConfigError{Tool: d.Key, Msg: fmt.Sprintf("%s: random default requires minimum and maximum", p.Name)}
			}
		}
	}

	switch d.Backend {
	case BackendLocal:
	case BackendJobQueue:
		if d.ComfyUI == nil || d.ComfyUI.Workspace == "" || d.ComfyUI.OutputNodeID == "" {
			return &ConfigError{Tool: d.Key, Msg: "job-queue tools need comfyui.workspace and comfyui.output_node_id"}
		}
		for param := range d.ComfyUI.Mappings {
			if !seen[param] {
				return &ConfigError{Tool: d.Key, Msg: fmt.Sprintf("comfyui mapping for undeclared parameter %s", param)}
			}
		}
	case BackendPollingREST:
		if d.Replicate == nil || d.Replicate.Model == "" {
			return &ConfigError{Tool: d.Key, Msg: "polling-rest tools need replicate.model"}
		}
	case BackendRemoteFunction:
		if d.Modal == nil || d.Modal.App == "" || d.Modal.Function == "" {
			return &ConfigError{Tool: d.Key, Msg: "remote-function tools need modal.app and modal.function"}
		}
	case BackendCloudJob:
		if d.Vertex == nil || d.Vertex.MachineType == "" {
			return &ConfigError{Tool: d.Key, Msg: "cloud-job tools need vertex.machine_type"}
		}
	default:
		return &ConfigError{Tool: d.Key, Msg: fmt.Sprintf("unknown handler %q", d.Backend)}
	}

	if _, err := compileFormula(d.CostFormula); err != nil {
		return &ConfigError{Tool: d.Key, Msg: "invalid cost_estimate", Err: err}
	}

	return nil
}
