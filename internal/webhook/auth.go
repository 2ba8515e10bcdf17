package webhook

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Default secret locations besides the Authorization header.
const (
	DefaultSecretHeader = "X-Webhook-Secret"
	DefaultSecretQuery  = "secret"
)

// Authorize reports whether req carries the shared secret. The secret may be
// sent as a Bearer token, as the raw Authorization value, in the vendor header
// or in the query string. With no secret configured every caller is accepted.
func (r *Receiver) Authorize(req *http.Request) bool {
	if r.cfg.Secret == "" {
		return true
	}
	candidates := secretCandidates(req, r.cfg.SecretHeader, r.cfg.SecretQuery)
	for _, c := range candidates {
		if subtle.ConstantTimeCompare([]byte(c), []byte(r.cfg.Secret)) == 1 {
			return true
		}
	}
	previews := make([]string, 0, len(candidates))
	for _, c := range candidates {
		previews = append(previews, preview(c))
	}
	r.logger.Warn("webhook secret mismatch",
		zap.Strings("received", previews),
		zap.String("expected", preview(r.cfg.Secret)),
		zap.String("remote_addr", req.RemoteAddr),
	)
	return false
}

func secretCandidates(req *http.Request, header, query string) []string {
	var out []string
	if auth := strings.TrimSpace(req.Header.Get("Authorization")); auth != "" {
		if token, ok := cutPrefixFold(auth, "Bearer "); ok {
			out = append(out, strings.TrimSpace(token))
		}
		out = append(out, auth)
	}
	if header != "" {
		if v := req.Header.Get(header); v != "" {
			out = append(out, v)
		}
	}
	if query != "" {
		if v := req.URL.Query().Get(query); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return "", false
}

// preview exposes at most four characters of a secret.
func preview(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + "..."
}
