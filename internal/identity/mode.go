package identity

import (
	"fmt"
	"strings"

	"github.com/wudi/storegate/internal/config"
)

// Mode is the authentication requirement of a route.
type Mode int

const (
	ModeNone Mode = iota
	ModeOptional
	ModeRequired
	ModeAdminRequired
)

// ParseMode maps the config value onto a Mode. Empty means none.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", config.AuthNone:
		return ModeNone, nil
	case config.AuthOptional:
		return ModeOptional, nil
	case config.AuthRequired:
		return ModeRequired, nil
	case config.AuthAdminRequired, "admin_required":
		return ModeAdminRequired, nil
	}
	return ModeNone, fmt.Errorf("invalid auth mode: %q", s)
}

func (m Mode) String() string {
	switch m {
	case ModeOptional:
		return "optional"
	case ModeRequired:
		return "required"
	case ModeAdminRequired:
		return "admin"
	}
	return "none"
}

// Strict reports whether a missing or rejected token fails the request.
func (m Mode) Strict() bool {
	return m == ModeRequired || m == ModeAdminRequired
}
