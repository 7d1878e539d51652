// Package redact scrubs credentials from agent output and error text before
// it reaches the log or an issue comment.
package redact

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

// Mode selects how much is scrubbed.
type Mode string

const (
	ModeOff   Mode = "off"
	ModeBasic Mode = "basic"
	// ModeAggressive also scrubs well-known token shapes that appear
	// without a key.
	ModeAggressive Mode = "aggressive"
)

// DefaultReplacement is written in place of a secret.
const DefaultReplacement = "***REDACTED***"

// Config configures a Redactor.
type Config struct {
	Mode Mode
	// Keys are extra env-style key suffixes to scrub, comma separated
	// (e.g. "DEPLOY_KEY,SIGNING_PASSPHRASE").
	Keys        string
	Replacement string
	// Secrets are literal values that must never appear, such as the
	// configured GitHub token and webhook secret.
	Secrets []string
}

// Redactor is safe for concurrent use.
type Redactor struct {
	mode        Mode
	replacement string
	secrets     []string
	rules       []rule
}

type rule struct {
	re   *regexp.Regexp
	repl string
}

var (
	baseKeySuffixes  = []string{"TOKEN", "KEY", "SECRET", "PASSWORD", "AUTHORIZATION", "CREDENTIALS"}
	sensitiveHeaders = []string{
		"Authorization", "Proxy-Authorization", "Cookie", "Set-Cookie",
		"X-Hub-Signature", "X-Hub-Signature-256", "X-GitHub-Token", "X-Api-Key",
	}
	sensitiveParams = []string{"token", "access_token", "refresh_token", "key", "api_key", "secret", "password"}

	pemBlock    = regexp.MustCompile(`-----BEGIN [A-Z0-9 ]+-----[\s\S]*?-----END [A-Z0-9 ]+-----`)
	tokenShapes = []*regexp.Regexp{
		regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{30,}\b`),
		regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{40,}\b`),
		regexp.MustCompile(`\bAKIA[A-Z0-9]{16}\b`),
		regexp.MustCompile(`\bxox[abp]-[A-Za-z0-9-]{20,}\b`),
	}
	credentialURL = regexp.MustCompile(`(https?://)[^/\s:@]+:[^/\s@]+@`)
)

// New builds a Redactor. An empty mode means basic.
func New(cfg Config) *Redactor {
	r := &Redactor{mode: cfg.Mode, replacement: cfg.Replacement}
	if r.mode == "" {
		r.mode = ModeBasic
	}
	if r.replacement == "" {
		r.replacement = DefaultReplacement
	}
	for _, s := range cfg.Secrets {
		if len(s) >= 4 {
			r.secrets = append(r.secrets, s)
		}
	}
	// Longest first so a secret containing another is replaced whole.
	sort.Slice(r.secrets, func(i, j int) bool { return len(r.secrets[i]) > len(r.secrets[j]) })

	suffixes := append([]string(nil), baseKeySuffixes...)
	for _, k := range strings.Split(cfg.Keys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			suffixes = append(suffixes, regexp.QuoteMeta(strings.ToUpper(k)))
		}
	}
	r.rules = append(r.rules,
		rule{pemBlock, "-----BEGIN REDACTED-----\n" + r.replacement + "\n-----END REDACTED-----"},
		rule{credentialURL, "${1}" + r.replacement + "@"},
		rule{
			regexp.MustCompile(`\b([A-Za-z0-9_]*(?:` + strings.Join(suffixes, "|") + `))\s*=\s*['"]?[^'"\s]+['"]?`),
			"${1}=" + r.replacement,
		},
	)
	for _, h := range sensitiveHeaders {
		r.rules = append(r.rules, rule{
			regexp.MustCompile(`(?im)^(\s*` + regexp.QuoteMeta(h) + `)\s*:.*$`),
			"${1}: " + r.replacement,
		})
	}
	r.rules = append(r.rules, rule{
		regexp.MustCompile(`([?&](?:` + strings.Join(sensitiveParams, "|") + `)=)[^&\s#'"]+`),
		"${1}" + r.replacement,
	})
	return r
}

// FromEnv builds a Redactor from MIYABI_LOG_REDACT (mode),
// MIYABI_LOG_REDACT_KEYS and MIYABI_LOG_REDACT_REPLACEMENT, scrubbing the
// given literal secrets as well.
func FromEnv(secrets ...string) *Redactor {
	mode := Mode(strings.ToLower(strings.TrimSpace(os.Getenv("MIYABI_LOG_REDACT"))))
	if _, err := ParseMode(string(mode)); err != nil {
		mode = ModeBasic
	}
	return New(Config{
		Mode:        mode,
		Keys:        os.Getenv("MIYABI_LOG_REDACT_KEYS"),
		Replacement: os.Getenv("MIYABI_LOG_REDACT_REPLACEMENT"),
		Secrets:     secrets,
	})
}

// ParseMode validates a mode name. Empty is basic.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeBasic, nil
	case ModeOff, ModeBasic, ModeAggressive:
		return Mode(s), nil
	}
	return "", fmt.Errorf("invalid redaction mode %q (want off, basic or aggressive)", s)
}

// Mode returns the active mode.
func (r *Redactor) Mode() Mode { return r.mode }

// Redact returns data with secrets replaced. Literal secrets are scrubbed
// in every mode except off.
func (r *Redactor) Redact(data []byte) []byte {
	if r == nil || r.mode == ModeOff || len(data) == 0 {
		return data
	}
	return []byte(r.String(string(data)))
}

// String is Redact for strings.
func (r *Redactor) String(s string) string {
	if r == nil || r.mode == ModeOff || s == "" {
		return s
	}
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, r.replacement)
	}
	for _, ru := range r.rules {
		s = ru.re.ReplaceAllString(s, ru.repl)
	}
	if r.mode == ModeAggressive {
		for _, re := range tokenShapes {
			s = re.ReplaceAllString(s, r.replacement)
		}
	}
	return s
}
