package wrap

import (
	"strings"
)

// keyTokens maps response key tokens to the bytes a terminal sends for them.
var keyTokens = map[string]string{
	"enter":     "\r",
	"return":    "\r",
	"esc":       "\x1b",
	"escape":    "\x1b",
	"tab":       "\t",
	"shift-tab": "\x1b[Z",
	"space":     " ",
	"backspace": "\x7f",
	"delete":    "\x1b[3~",
	"up":        "\x1b[A",
	"down":      "\x1b[B",
	"right":     "\x1b[C",
	"left":      "\x1b[D",
	"home":      "\x1b[H",
	"end":       "\x1b[F",
	"pageup":    "\x1b[5~",
	"pagedown":  "\x1b[6~",
}

// EncodeKeys translates key tokens such as <enter>, <up> or <ctrl-c> in s to
// terminal input bytes. Token names are case-insensitive. Anything that is not
// a known token, including a lone '<', is sent as written.
func EncodeKeys(s string) []byte {
	var out strings.Builder
	for {
		open := strings.IndexByte(s, '<')
		if open < 0 {
			out.WriteString(s)
			break
		}
		shut := strings.IndexByte(s[open:], '>')
		if shut < 0 {
			out.WriteString(s)
			break
		}
		shut += open

		seq, ok := lookupKey(s[open+1 : shut])
		if !ok {
			// Not a token; keep the '<' and look for one further on.
			out.WriteString(s[:open+1])
			s = s[open+1:]
			continue
		}
		out.WriteString(s[:open])
		out.WriteString(seq)
		s = s[shut+1:]
	}
	return []byte(out.String())
}

func lookupKey(name string) (string, bool) {
	name = strings.ToLower(name)
	if seq, ok := keyTokens[name]; ok {
		return seq, true
	}
	if c, ok := strings.CutPrefix(name, "ctrl-"); ok && len(c) == 1 {
		switch b := c[0]; {
		case b >= 'a' && b <= 'z':
			return string(rune(b - 'a' + 1)), true
		case b == '[':
			return "\x1b", true
		case b == '\\':
			return "\x1c", true
		case b == ']':
			return "\x1d", true
		}
	}
	return "", false
}
