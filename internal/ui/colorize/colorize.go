// Package colorize provides terminal styling helpers for dxeinfect's
// read-only CLI output (list/info). Colors are disabled when NO_COLOR or
// DXEINFECT_NO_COLOR is set; whether stdout is a terminal is not checked.
package colorize

import (
	"fmt"
	"os"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"
)

// guidColor is resolved once from chroma's style table so dxeinfect's
// palette stays consistent with whatever terminal theme chroma ships,
// instead of a second hardcoded color constant.
var guidColor = resolveGUIDColor()

func resolveGUIDColor() string {
	for _, name := range []string{"monokai", "dracula", "fallback"} {
		if style := styles.Get(name); style != nil {
			entry := style.Get(chroma.String)
			if entry.Colour.IsSet() {
				return entry.Colour.String()
			}
		}
	}
	return "ffb4c8"
}

// IsDisabled returns true if colors are disabled via environment.
func IsDisabled() bool {
	return os.Getenv("DXEINFECT_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

// Address formats a physical address in yellow.
func Address(addr uint64) string {
	if IsDisabled() {
		return fmt.Sprintf("0x%08X", addr)
	}
	return fmt.Sprintf("\033[38;2;255;200;0m0x%08X\033[0m", addr)
}

// GUID formats a GUID string using a color pulled from chroma's style
// table, so protocol listings read apart from plain addresses.
func GUID(s string) string {
	if IsDisabled() {
		return s
	}
	r, g, b := hexToRGB(guidColor)
	return fmt.Sprintf("\033[38;2;%d;%d;%dm%s\033[0m", r, g, b, s)
}

// Detail formats detail text in light gray.
func Detail(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;180;180;180m%s\033[0m", s)
}

// Border formats border/separator characters in dark gray.
func Border(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;80;80;80m%s\033[0m", s)
}

// Header formats section headers in blue.
func Header(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;86;156;214m%s\033[0m", s)
}

// Error formats error messages in pink.
func Error(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;255;128;192m%s\033[0m", s)
}

func hexToRGB(s string) (r, g, b int) {
	s = trimHash(s)
	if len(s) != 6 {
		return 255, 180, 200
	}
	var v int64
	for i := 0; i < 6; i++ {
		c := s[i]
		var d int64
		switch {
		case c >= '0' && c <= '9':
			d = int64(c - '0')
		case c >= 'a' && c <= 'f':
			d = int64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			d = int64(c-'A') + 10
		default:
			return 255, 180, 200
		}
		v = v*16 + d
	}
	return int(v >> 16 & 0xff), int(v >> 8 & 0xff), int(v & 0xff)
}

func trimHash(s string) string {
	if len(s) > 0 && s[0] == '#' {
		return s[1:]
	}
	return s
}
