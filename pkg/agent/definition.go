package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/edenartlab/eden2-sub000/pkg/tool"
)

// Definition describes one agent persona
type Definition struct {
	// Name is also what users mention to get a reply
	Name        string `yaml:"name" mapstructure:"name"`
	Description string `yaml:"description" mapstructure:"description"`
	// Profile pins an auth profile id. Empty means every profile, in priority order.
	Profile      string     `yaml:"profile" mapstructure:"profile"`
	Model        string     `yaml:"model" mapstructure:"model"`
	SystemPrompt string     `yaml:"system_prompt" mapstructure:"system_prompt"`
	Tools        ToolPolicy `yaml:"tools" mapstructure:"tools"`
	Temperature  float64    `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens    int        `yaml:"max_tokens" mapstructure:"max_tokens"`

	prompt *template.Template
}

// ToolPolicy selects the tools an agent may call. An empty Allow permits every tool;
// "*" matches any key. Deny wins over Allow.
type ToolPolicy struct {
	Allow []string `yaml:"allow" mapstructure:"allow"`
	Deny  []string `yaml:"deny" mapstructure:"deny"`
}

// PromptData is what a system prompt template can reference
type PromptData struct {
	Name        string
	Description string
	User        string
	Date        string
	Tools       []tool.Schema
}

const defaultSystemPrompt = `You are {{.Name}}.{{if .Description}} {{.Description}}{{end}}
Today is {{.Date}}.{{if .Tools}}
You can use these tools: {{range $i, $t := .Tools}}{{if $i}}, {{end}}{{$t.Name}}{{end}}.{{end}}`

// Validate checks required fields and compiles the system prompt
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("agent name is required")
	}
	src := d.SystemPrompt
	if strings.TrimSpace(src) == "" {
		src = defaultSystemPrompt
	}
	tmpl, err := template.New(d.Name).Option("missingkey=error").Parse(src)
	if err != nil {
		return fmt.Errorf("agent %s: invalid system prompt: %w", d.Name, err)
	}
	d.prompt = tmpl
	return nil
}

// Allows reports whether the policy lets the agent call key
func (p ToolPolicy) Allows(key string) bool {
	for _, pattern := range p.Deny {
		if pattern == "*" || pattern == key {
			return false
		}
	}
	if len(p.Allow) == 0 {
		return true
	}
	for _, pattern := range p.Allow {
		if pattern == "*" || pattern == key {
			return true
		}
	}
	return false
}

// ToolKeys returns the sorted keys of catalog tools this agent may call
func (d *Definition) ToolKeys(defs []*tool.Definition) []string {
	keys := make([]string, 0, len(defs))
	for _, def := range defs {
		if d.Tools.Allows(def.Key) {
			keys = append(keys, def.Key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Mentioned reports whether content addresses the agent by name
func (d *Definition) Mentioned(content string) bool {
	return strings.Contains(strings.ToLower(content), strings.ToLower(d.Name))
}

// RenderSystemPrompt executes the system prompt template
func (d *Definition) RenderSystemPrompt(data PromptData) (string, error) {
	if d.prompt == nil {
		if err := d.Validate(); err != nil {
			return "", err
		}
	}
	if data.Name == "" {
		data.Name = d.Name
	}
	if data.Description == "" {
		data.Description = d.Description
	}
	if data.Date == "" {
		data.Date = time.Now().Format("2006-01-02")
	}

	var b strings.Builder
	if err := d.prompt.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render system prompt for %s: %w", d.Name, err)
	}
	return b.String(), nil
}

// LoadDefinitions reads every *.yaml agent definition in dir. A missing dir yields none.
func LoadDefinitions(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	defs := make([]*Definition, 0, len(entries))
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			continue
		}
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, name)
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var def Definition
		if err := yaml.Unmarshal(b, &def); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if def.Name == "" {
			def.Name = strings.TrimSuffix(name, filepath.Ext(name))
		}
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		defs = append(defs, &def)
	}
	return defs, nil
}
