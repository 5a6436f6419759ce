package logger

import (
	"io"
	"regexp"
	"sort"
)

// Redactor masks credentials before log lines reach a writer. Each match is
// replaced with a label naming what was hidden, e.g. [REDACTED:anthropic].
type Redactor struct {
	rules []rule
}

type rule struct {
	re          *regexp.Regexp
	replacement string
}

// builtinRules are tried in order; the Anthropic prefix must precede the
// generic OpenAI one. The optional "pre" and "post" groups are kept.
var builtinRules = []struct {
	label   string
	pattern string
}{
	{"anthropic", `sk-ant-[a-zA-Z0-9_-]{20,}`},
	{"openai", `sk-[a-zA-Z0-9_-]{20,}`},
	{"gemini", `AIza[0-9A-Za-z_-]{35}`},
	{"bearer", `(?P<pre>Bearer\s+)[a-zA-Z0-9._-]+`},
	{"password", `(?P<pre>://[^:/\s"]+:)[^@/\s"]+(?P<post>@)`},
	{"api_key", `(?P<pre>api_key["\s:=]+)[^\s",}]+`},
	{"password", `(?P<pre>password["\s:=]+)[^\s",}]+`},
}

// NewRedactor creates a redactor with the built-in vendor key patterns.
// Every non-empty secret is also masked verbatim, longest first, so keys
// that match no pattern (custom gateways, redis passwords) stay hidden.
func NewRedactor(secrets ...string) *Redactor {
	r := &Redactor{}

	literal := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if s != "" {
			literal = append(literal, s)
		}
	}
	sort.Slice(literal, func(i, j int) bool { return len(literal[i]) > len(literal[j]) })
	for _, s := range literal {
		r.rules = append(r.rules, rule{
			re:          regexp.MustCompile(regexp.QuoteMeta(s)),
			replacement: "[REDACTED:secret]",
		})
	}

	for _, b := range builtinRules {
		r.rules = append(r.rules, rule{
			re:          regexp.MustCompile(b.pattern),
			replacement: "${pre}[REDACTED:" + b.label + "]${post}",
		})
	}
	return r
}

// AddPattern masks every match of pattern under label.
func (r *Redactor) AddPattern(label, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{re: re, replacement: "[REDACTED:" + label + "]"})
	return nil
}

// Redact returns s with every credential masked.
func (r *Redactor) Redact(s string) string {
	for _, rl := range r.rules {
		s = rl.re.ReplaceAllString(s, rl.replacement)
	}
	return s
}

// Wrap returns a writer that redacts before writing to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		if _, err := io.WriteString(w, r.Redact(string(p))); err != nil {
			return 0, err
		}
		// Report the caller's length; redaction changes the size.
		return len(p), nil
	})
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
