package chatid

import "strings"

// NormalizePhone returns the E.164-style key "+<digits>" used for storage
// and lookups. Separators and a leading '+' are dropped before the '+' is
// put back, so "628123456789" (how Telegram reports contacts) and
// "+62 812-3456-789" map to the same key. An input without any digit
// normalizes to "".
func NormalizePhone(raw string) string {
	var b strings.Builder
	b.Grow(len(raw) + 1)
	b.WriteByte('+')
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 1 {
		return ""
	}
	return b.String()
}
