package router

import (
	"strings"

	"medtime/internal/transport"
)

// sanitizeCommand maps a name onto Telegram's [a-z0-9_]{1,32} command
// alphabet. It returns "" when nothing usable is left.
func sanitizeCommand(s string) string {
	var b strings.Builder
	under := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			under = false
		case r == '_' || r == '-' || r == ' ' || r == '/':
			if b.Len() > 0 && !under {
				b.WriteByte('_')
				under = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}

// buildMenu lists visible commands in registry order, public ones first.
func buildMenu(order []*Command) []transport.BotCommand {
	out := make([]transport.BotCommand, 0, len(order))
	var owner []transport.BotCommand
	for _, c := range order {
		if c.Hidden {
			continue
		}
		name := sanitizeCommand(c.Name)
		if name == "" {
			continue
		}
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if desc == "" {
			desc = name
		}
		bc := transport.BotCommand{Command: name, Description: desc}
		if c.Access == AccessOwnerOnly {
			bc.Description = "🔒 " + desc
			owner = append(owner, bc)
			continue
		}
		out = append(out, bc)
	}
	out = append(out, owner...)
	if len(out) > 100 {
		out = out[:100]
	}
	return out
}
