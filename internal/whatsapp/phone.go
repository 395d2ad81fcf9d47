package whatsapp

import "strings"

// NormalizePhone turns provider or user supplied numbers ("5491122334455",
// "+54 9 11 2233-4455", "0054...") into E.164 with a leading "+". ok is false
// when the result is not 8 to 15 digits.
func NormalizePhone(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "00") {
		s = s[2:]
	}
	var b strings.Builder
	b.WriteByte('+')
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			digits++
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", false
		}
	}
	if digits < 8 || digits > 15 {
		return "", false
	}
	return b.String(), true
}
