package term

import "unicode/utf8"

// cp437High maps bytes 0x80-0xFF to their code page 437 runes. The low half
// is ASCII and passes through untouched.
var cp437High = [128]rune{
	'Ç', 'ü', 'é', 'â', 'ä', 'à', 'å', 'ç', 'ê', 'ë', 'è', 'ï', 'î', 'ì', 'Ä', 'Å',
	'É', 'æ', 'Æ', 'ô', 'ö', 'ò', 'û', 'ù', 'ÿ', 'Ö', 'Ü', '¢', '£', '¥', '₧', 'ƒ',
	'á', 'í', 'ó', 'ú', 'ñ', 'Ñ', 'ª', 'º', '¿', '⌐', '¬', '½', '¼', '¡', '«', '»',
	'░', '▒', '▓', '│', '┤', '╡', '╢', '╖', '╕', '╣', '║', '╗', '╝', '╜', '╛', '┐',
	'└', '┴', '┬', '├', '─', '┼', '╞', '╟', '╚', '╔', '╩', '╦', '╠', '═', '╬', '╧',
	'╨', '╤', '╥', '╙', '╘', '╒', '╓', '╫', '╪', '┘', '┌', '█', '▄', '▌', '▐', '▀',
	'α', 'ß', 'Γ', 'π', 'Σ', 'σ', 'µ', 'τ', 'Φ', 'Θ', 'Ω', 'δ', '∞', 'φ', 'ε', '∩',
	'≡', '±', '≥', '≤', '⌠', '⌡', '÷', '≈', '°', '∙', '·', '√', 'ⁿ', '²', '■', ' ',
}

// expandCP437 rewrites high bytes as UTF-8 runes so the stream downstream
// is valid UTF-8. Escape sequences only ever contain 7-bit bytes, so this
// never corrupts one.
func expandCP437(p []byte) []byte {
	// fast path: pure ASCII
	ascii := true
	for _, b := range p {
		if b >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return p
	}

	out := make([]byte, 0, len(p)+len(p)/4)
	var tmp [4]byte
	for _, b := range p {
		if b < 0x80 {
			out = append(out, b)
			continue
		}
		n := utf8.EncodeRune(tmp[:], cp437High[b-0x80])
		out = append(out, tmp[:n]...)
	}
	return out
}
