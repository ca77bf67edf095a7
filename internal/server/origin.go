package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

var errBadOrigin = errors.New("origin must be scheme://host")

// originPolicy is the allow-list applied to WebSocket upgrades. It is
// immutable after construction.
type originPolicy struct {
	any    bool
	keys   map[string]struct{}
	logger *zap.Logger
}

// newOriginPolicy builds the allow-list for the configured origins. "*"
// admits any well-formed origin; malformed entries are logged and skipped.
func newOriginPolicy(origins []string, logger *zap.Logger) *originPolicy {
	p := &originPolicy{keys: make(map[string]struct{}, len(origins)), logger: logger}
	for _, raw := range origins {
		switch raw = strings.TrimSpace(raw); raw {
		case "":
		case "*":
			p.any = true
		default:
			key, err := originKey(raw)
			if err != nil {
				logger.Warn("Ignoring configured origin", zap.String("origin", raw), zap.Error(err))
				continue
			}
			p.keys[key] = struct{}{}
		}
	}
	return p
}

// originKey reduces an origin to lower-case scheme://host[:port]; path,
// query and fragment are dropped.
func originKey(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errBadOrigin
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), nil
}

// allows reports whether origin may open a WebSocket. A missing or
// malformed origin is refused even under "*".
func (p *originPolicy) allows(origin string) bool {
	key, err := originKey(origin)
	if err != nil {
		return false
	}
	if p.any {
		return true
	}
	_, ok := p.keys[key]
	return ok
}

// checkOrigin is the websocket.Upgrader hook.
func (p *originPolicy) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if p.allows(origin) {
		return true
	}
	p.logger.Warn("Blocked WebSocket connection from disallowed origin",
		zap.String("origin", origin),
		zap.String("remote", r.RemoteAddr))
	return false
}
