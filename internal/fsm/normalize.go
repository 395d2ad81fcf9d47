package fsm

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	emailPattern   = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	numericPattern = regexp.MustCompile(`^[0-9][0-9 .\-]*$`)
)

// foldText lower-cases input, drops accents, turns punctuation (other than
// underscores) into spaces and collapses whitespace. "¡Menú!" becomes "menu".
func foldText(input string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, input)
	if err != nil {
		folded = input
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case r == '_':
			b.WriteRune(r)
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			b.WriteByte(' ')
		default:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// cleanText trims and collapses whitespace but keeps case and accents.
func cleanText(input string) string {
	return strings.Join(strings.Fields(input), " ")
}

func isNumeric(raw string) bool {
	return numericPattern.MatchString(strings.TrimSpace(raw))
}

// isEmail accepts local@domain.tld shapes.
func isEmail(raw string) bool {
	return emailPattern.MatchString(strings.TrimSpace(raw))
}

var interests = map[string]string{
	"1":               "alta_cliente",
	"alta cliente":    "alta_cliente",
	"alta":            "alta_cliente",
	"2":               "honorarios",
	"honorarios":      "honorarios",
	"3":               "turno_consulta",
	"turno consulta":  "turno_consulta",
	"turno":           "turno_consulta",
	"4":               "otras_consultas",
	"otras consultas": "otras_consultas",
	"otras":           "otras_consultas",
}

// Interests lists the canonical interest values in menu order.
var Interests = []string{"alta_cliente", "honorarios", "turno_consulta", "otras_consultas"}

// matchInterest maps folded input to a canonical interest.
func matchInterest(folded string) (string, bool) {
	key := strings.ReplaceAll(folded, "_", " ")
	v, ok := interests[key]
	return v, ok
}
