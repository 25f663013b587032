package identity

import (
	"fmt"
	"runtime"
	"strings"
)

// ClientIdentity is the process-wide spoofed client description. Created
// once at startup; the composed user-agent and originator tokens are
// reused on every outbound request.
type ClientIdentity struct {
	Program       string // spoofed program name, e.g. "codex_cli_rs"
	PluginVersion string
	Platform      string
	Arch          string
	Terminal      string // terminal descriptor, e.g. "WezTerm/20240203"
}

// NewClientIdentity fills platform fields from the runtime.
func NewClientIdentity(program, pluginVersion, terminal string) ClientIdentity {
	return ClientIdentity{
		Program:       program,
		PluginVersion: pluginVersion,
		Platform:      runtime.GOOS,
		Arch:          runtime.GOARCH,
		Terminal:      terminal,
	}
}

// UserAgent composes the spoofed user-agent token:
// <program>/<version> (<platform>; <arch>) <terminal>.
func (c ClientIdentity) UserAgent() string {
	ua := fmt.Sprintf("%s/%s (%s; %s)", c.Program, c.PluginVersion, c.Platform, c.Arch)
	if c.Terminal != "" {
		ua += " " + c.Terminal
	}
	return SanitizeASCII(ua)
}

// SanitizeASCII strips header values down to printable ASCII. Bytes outside
// 0x20..0x7e are replaced with underscores.
func SanitizeASCII(s string) string {
	clean := true
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			clean = false
			break
		}
	}
	if clean {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			b.WriteByte('_')
		} else {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
