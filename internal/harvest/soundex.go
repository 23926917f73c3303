package harvest

import (
	"strings"
	"unicode"
)

// SoundexSuffix names the phonetic companion of a string parameter field.
const SoundexSuffix = "_soundex"

var soundexCodes = map[rune]byte{
	'B': '1', 'F': '1', 'P': '1', 'V': '1',
	'C': '2', 'G': '2', 'J': '2', 'K': '2', 'Q': '2', 'S': '2', 'X': '2', 'Z': '2',
	'D': '3', 'T': '3',
	'L': '4',
	'M': '5', 'N': '5',
	'R': '6',
}

// Soundex returns the American Soundex code of a word, or "" when the word
// has no letters.
func Soundex(word string) string {
	var letters []rune
	for _, r := range strings.ToUpper(word) {
		if r >= 'A' && r <= 'Z' {
			letters = append(letters, r)
		}
	}
	if len(letters) == 0 {
		return ""
	}
	out := []byte{byte(letters[0])}
	last := soundexCodes[letters[0]]
	for _, r := range letters[1:] {
		code, ok := soundexCodes[r]
		switch {
		case !ok:
			// H and W do not separate equal codes, vowels do
			if r != 'H' && r != 'W' {
				last = 0
			}
		case code != last:
			out = append(out, code)
			last = code
		}
		if len(out) == 4 {
			break
		}
	}
	for len(out) < 4 {
		out = append(out, '0')
	}
	return string(out)
}

// SoundexWords returns the distinct Soundex codes of the words in s.
func SoundexWords(s string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range strings.FieldsFunc(s, func(r rune) bool { return !unicode.IsLetter(r) }) {
		code := Soundex(w)
		if code == "" || seen[code] {
			continue
		}
		seen[code] = true
		out = append(out, code)
	}
	return out
}
