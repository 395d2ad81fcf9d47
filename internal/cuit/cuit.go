// Package cuit validates Argentine tax identification numbers (CUIT/CUIL).
package cuit

// Length is the number of digits in a normalized CUIT.
const Length = 11

var weights = [Length - 1]int{5, 4, 3, 2, 7, 6, 5, 4, 3, 2}

// Normalize strips every non-digit character from input.
func Normalize(input string) string {
	out := make([]byte, 0, len(input))
	for i := 0; i < len(input); i++ {
		if c := input[i]; c >= '0' && c <= '9' {
			out = append(out, c)
		}
	}
	return string(out)
}

// Validate reports whether input, once normalized, is an 11-digit CUIT with a
// correct AFIP check digit.
func Validate(input string) bool {
	digits := Normalize(input)
	if len(digits) != Length {
		return false
	}

	sum := 0
	for i, w := range weights {
		sum += int(digits[i]-'0') * w
	}
	check := sum % 11
	if check >= 2 {
		check = 11 - check
	}
	return check == int(digits[Length-1]-'0')
}

// Format renders a valid CUIT as XX-XXXXXXXX-X. Invalid input is returned normalized.
func Format(input string) string {
	digits := Normalize(input)
	if len(digits) != Length {
		return digits
	}
	return digits[:2] + "-" + digits[2:10] + "-" + digits[10:]
}
