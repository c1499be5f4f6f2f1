package logger

import (
	"io"
	"regexp"
	"sync"
)

const redacted = "[REDACTED]"

type redactRule struct {
	re   *regexp.Regexp
	repl string
}

// Redactor masks credentials in log lines. Key/value rules keep the key and
// mask only the value.
type Redactor struct {
	mu    sync.RWMutex
	rules []redactRule
}

// NewRedactor returns a redactor with the built-in rules.
func NewRedactor() *Redactor {
	r := &Redactor{}
	for _, p := range []string{
		`(?i)(X-Procd-Secret"?\s*[:=]\s*"?)[^\s",}]+`,
		`(?i)("?(?:shared_secret|secret|password|pwd)"?\s*[:=]\s*"?)[^\s",}]+`,
		`(?i)("?(?:token|api_key)"?\s*[:=]\s*"?)[a-zA-Z0-9._-]{16,}`,
		`(Bearer\s+)[a-zA-Z0-9._~+/=-]+`,
	} {
		r.rules = append(r.rules, redactRule{re: regexp.MustCompile(p), repl: "${1}" + redacted})
	}
	for _, p := range []string{
		`sk-[a-zA-Z0-9_-]{20,}`,
		`AKIA[0-9A-Z]{16}`,
	} {
		r.rules = append(r.rules, redactRule{re: regexp.MustCompile(p), repl: redacted})
	}
	return r
}

// AddPattern masks every match of pattern.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.add(redactRule{re: re, repl: redacted})
	return nil
}

// AddLiteral masks an exact value wherever it appears. Empty values are
// ignored.
func (r *Redactor) AddLiteral(value string) {
	if value == "" {
		return
	}
	r.add(redactRule{re: regexp.MustCompile(regexp.QuoteMeta(value)), repl: redacted})
}

func (r *Redactor) add(rule redactRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
}

// Redact applies every rule to s.
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rule := range r.rules {
		s = rule.re.ReplaceAllString(s, rule.repl)
	}
	return s
}

// Wrap returns a writer that redacts each write before passing it to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success since callers count input bytes, not the
// redacted output.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.writer, w.redactor.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
