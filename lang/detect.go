package lang

import "unicode"

// Detect classifies text as Korean or English using a majority-character
// heuristic: count Hangul syllable/jamo runes against Latin letters, and
// pick whichever has more. Ties, and text with neither, default to
// English — the spec only requires "ambiguous defaults to en".
func Detect(text string) Language {
	var hangul, latin int
	for _, r := range text {
		switch {
		case isHangul(r):
			hangul++
		case unicode.IsLetter(r) && r <= unicode.MaxASCII:
			latin++
		}
	}
	if hangul > latin {
		return Korean
	}
	return English
}

// isHangul reports whether r falls in one of the Unicode blocks used for
// Korean: syllables, jamo, and compatibility jamo.
func isHangul(r rune) bool {
	switch {
	case r >= 0xAC00 && r <= 0xD7A3: // Hangul Syllables
		return true
	case r >= 0x1100 && r <= 0x11FF: // Hangul Jamo
		return true
	case r >= 0x3130 && r <= 0x318F: // Hangul Compatibility Jamo
		return true
	default:
		return false
	}
}
