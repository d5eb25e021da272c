// Package target validates the per-request target a caller asks the proxy to reach.
package target

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"xproxy-go/internal/model"
)

// ErrInvalidTarget is the parent of every resolution failure.
var ErrInvalidTarget = errors.New("invalid proxy target")

var (
	// ErrMalformedTarget is returned when the value is not an absolute URL.
	ErrMalformedTarget = fmt.Errorf("%w: malformed URL", ErrInvalidTarget)
	// ErrSchemeNotAllowed is returned when the scheme is outside the expected family.
	ErrSchemeNotAllowed = fmt.Errorf("%w: scheme not allowed", ErrInvalidTarget)
)

var allowedSchemes = map[model.SchemeFamily][]string{
	model.FamilyHTTP:      {"http", "https"},
	model.FamilyWebSocket: {"ws", "wss"},
}

// Resolve decodes and validates raw for the given scheme family.
func Resolve(raw string, family model.SchemeFamily) (*model.ProxyTarget, error) {
	schemes, ok := allowedSchemes[family]
	if !ok {
		return nil, fmt.Errorf("%w: unknown scheme family %q", ErrInvalidTarget, family)
	}

	// PathUnescape keeps '+' literal, matching decodeURIComponent.
	decoded, err := url.PathUnescape(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTarget, err)
	}

	u, err := url.Parse(decoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTarget, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an absolute URL", ErrMalformedTarget, decoded)
	}

	scheme := strings.ToLower(u.Scheme)
	for _, s := range schemes {
		if scheme == s {
			u.Scheme = scheme
			return &model.ProxyTarget{URL: u, Family: family}, nil
		}
	}

	return nil, fmt.Errorf("%w: %q for %s", ErrSchemeNotAllowed, u.Scheme, family)
}
