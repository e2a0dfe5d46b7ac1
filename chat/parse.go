package chat

import (
	"strings"
	"unicode"
)

// ParseCommand extracts the lowercased command word from a "!command args"
// message. A bare "!" is not a command.
func ParseCommand(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "!") {
		return "", false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 || strings.HasPrefix(text, "! ") {
		return "", false
	}
	return strings.ToLower(fields[0]), true
}

// IsMention reports whether text starts with "@botName", case-insensitively,
// followed by the end of the text or a non-name character.
func IsMention(text, botName string) bool {
	if botName == "" {
		return false
	}
	text = strings.TrimSpace(text)
	prefix := "@" + botName
	if len(text) < len(prefix) || !strings.EqualFold(text[:len(prefix)], prefix) {
		return false
	}
	rest := text[len(prefix):]
	if rest == "" {
		return true
	}
	r := []rune(rest)[0]
	return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
}

// HelpLine is the reply to a mention.
func HelpLine(commands, modCommands []string, moderator bool) string {
	var b strings.Builder
	b.WriteString("Commands:")
	for _, c := range commands {
		b.WriteString(" !" + c)
	}
	if moderator && len(modCommands) > 0 {
		b.WriteString(" | Mod commands:")
		for _, c := range modCommands {
			b.WriteString(" !" + c)
		}
	}
	return b.String()
}
