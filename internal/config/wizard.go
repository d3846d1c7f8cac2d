package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a new configuration wizard
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run walks through provider keys, backends, and logging, starting from
// base (or defaults when base is nil).
func (w *Wizard) Run(base *Config) (*Config, error) {
	fmt.Fprintln(w.out, "=== Eden Configuration Wizard ===")
	fmt.Fprintln(w.out)

	cfg := base
	if cfg == nil {
		cfg = DefaultConfig()
	}
	validator := NewValidator()

	fmt.Fprintln(w.out, "API Keys (at least one is required):")
	fmt.Fprintln(w.out)

	providers := []struct{ id, label string }{
		{"anthropic", "Anthropic"},
		{"openai", "OpenAI"},
		{"gemini", "Gemini"},
	}
	for priority, p := range providers {
		for {
			key, err := w.prompt(fmt.Sprintf("%s API Key (press Enter to skip): ", p.label))
			if err != nil {
				return nil, err
			}
			if key == "" {
				break
			}
			if err := validator.ValidateAPIKey(key, p.id); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
			cfg.AI.Profiles = upsertProfile(cfg.AI.Profiles, AIProfile{
				ID:       p.id,
				Provider: p.id,
				APIKey:   key,
				Priority: priority,
			})
			break
		}
	}

	if len(cfg.AI.Profiles) == 0 {
		return nil, fmt.Errorf("at least one API key is required")
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Backends (press Enter to skip any):")

	for {
		comfy, err := w.prompt("ComfyUI server URL: ")
		if err != nil {
			return nil, err
		}
		if comfy == "" {
			break
		}
		if err := validator.ValidateURL("comfyui", comfy); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		if cfg.Backends.ComfyUI == nil {
			cfg.Backends.ComfyUI = map[string]string{}
		}
		cfg.Backends.ComfyUI["default"] = comfy
		break
	}

	token, err := w.prompt("Replicate API token: ")
	if err != nil {
		return nil, err
	}
	if token != "" {
		cfg.Backends.Replicate.APIToken = token
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Logging:")
	level, err := w.prompt("Log level (debug/info/warn/error) [info]: ")
	if err != nil {
		return nil, err
	}
	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")

	return cfg, nil
}

func (w *Wizard) prompt(label string) (string, error) {
	fmt.Fprint(w.out, label)
	return w.readLine()
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func upsertProfile(profiles []AIProfile, p AIProfile) []AIProfile {
	for i := range profiles {
		if profiles[i].ID == p.ID {
			profiles[i] = p
			return profiles
		}
	}
	return append(profiles, p)
}
