package router

import (
	"html"
	"strings"
)

// helpText renders help in HTML parse mode: the command list, or the
// details of one command when args names it.
func (m *CommandManager) helpText(args []string) string {
	if len(args) > 0 {
		name := strings.ToLower(strings.TrimPrefix(args[0], "/"))
		if c := m.lookup(name); c != nil && !c.Hidden {
			return commandHelp(c)
		}
		return "❓ <b>Comando desconocido</b>\nUsa <code>/help</code> para ver la lista."
	}

	m.mu.RLock()
	order := m.order
	m.mu.RUnlock()

	lines := []string{
		"💊 <b>MedTime</b>, recordatorio de medicamentos",
		"Escribe <code>/help &lt;comando&gt;</code> para ver el detalle.",
		"",
	}
	var locked []string
	for _, c := range order {
		if c.Hidden {
			continue
		}
		line := "• <code>/" + html.EscapeString(c.Name) + "</code>"
		if d := strings.TrimSpace(c.Description); d != "" {
			line += " · " + html.EscapeString(d)
		}
		if c.Access == AccessOwnerOnly {
			locked = append(locked, strings.Replace(line, "• ", "• 🔒 ", 1))
			continue
		}
		lines = append(lines, line)
	}
	lines = append(lines, locked...)
	return strings.Join(lines, "\n")
}

func commandHelp(c *Command) string {
	lines := []string{"📚 <b>/" + html.EscapeString(c.Name) + "</b>"}
	if d := strings.TrimSpace(c.Description); d != "" {
		lines = append(lines, html.EscapeString(d))
	}
	if c.Access == AccessOwnerOnly {
		lines = append(lines, "🔒 <i>Solo el propietario</i>")
	}
	if u := strings.TrimSpace(c.Usage); u != "" {
		lines = append(lines, "", "<b>Uso</b>", "<code>"+html.EscapeString(u)+"</code>")
	}
	if len(c.Aliases) > 0 {
		lines = append(lines, "", "<b>Alias</b>: /"+html.EscapeString(strings.Join(c.Aliases, ", /")))
	}
	return strings.Join(lines, "\n")
}
