package logger

import (
	"io"
	"regexp"
)

// Redactor masks credentials before log lines are written
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor for the provider and backend credentials we handle
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// Anthropic and OpenAI keys
			regexp.MustCompile(`sk-(?:ant-|proj-)?[a-zA-Z0-9_-]{20,}`),
			// Google API keys
			regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}`),
			// Replicate tokens
			regexp.MustCompile(`r8_[a-zA-Z0-9]{20,}`),
			// Modal token ids and secrets
			regexp.MustCompile(`\ba[ks]-[a-zA-Z0-9]{20,}`),
			regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._~+/=-]+`),
			regexp.MustCompile(`(?i)(api_key|token|secret|password)["\s:=]+[^\s",}]{8,}`),
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact masks every match in s
func (r *Redactor) Redact(s string) string {
	for _, pattern := range r.patterns {
		s = pattern.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// Wrap returns a writer that redacts each write before passing it to w
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so callers never see a short write from redaction
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
