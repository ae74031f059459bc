package session

import (
	"regexp"
	"strings"
)

// Any string destined for a log line or a client-visible error passes
// through a redactor first. Upstream error bodies and dial failures can echo
// authorization headers or keyed query strings.
type redactor struct {
	secrets []string
}

var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(bearer|basic|token)\s+[A-Za-z0-9._~+/=\-]{8,}`),
	regexp.MustCompile(`(?i)(api[_-]?key|xi-api-key|authorization)["']?\s*[:=]\s*["']?[A-Za-z0-9._~+/=\-]{8,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9_\-]{16,}`),
}

// newRedactor remembers the configured credential values so they are scrubbed
// even when they appear without a recognizable prefix.
func newRedactor(secrets ...string) *redactor {
	r := &redactor{}
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if len(s) >= 6 {
			r.secrets = append(r.secrets, s)
		}
	}
	return r
}

func (r *redactor) Scrub(s string) string {
	if s == "" {
		return s
	}
	if r != nil {
		for _, secret := range r.secrets {
			s = strings.ReplaceAll(s, secret, "[redacted]")
		}
	}
	for _, p := range credentialPatterns {
		s = p.ReplaceAllString(s, "[redacted]")
	}
	return s
}

// ScrubError is a convenience for logging upstream failures.
func (r *redactor) ScrubError(err error) string {
	if err == nil {
		return ""
	}
	return r.Scrub(err.Error())
}
