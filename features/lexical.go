package features

import (
	"strings"
	"unicode/utf8"
)

// Vector holds one value per schema slot, in schema order.
type Vector []float64

// Partial is a subset of features keyed by name.
type Partial map[Name]float64

// LexicalNames is the constant set of features Analyze emits.
var LexicalNames = []Name{
	SlashURL,
	LengthURL,
	DotDirectory,
	HyphenDirectory,
	UnderlineDirectory,
	QuestionmarkDirectory,
	DirectoryLength,
	HyphenFile,
	FileLength,
	DotParams,
	UnderlineParams,
	QuestionmarkParams,
}

// Analyze derives the string-shape features of u. It does no I/O and never
// fails; empty segments count as zero.
//
// Slashes and length are measured on the normalized URL, so the two scheme
// slashes are included: "example.com/a" is measured as "http://example.com/a".
func Analyze(u URL) Partial {
	path := u.Path
	query := u.Query
	file := path[strings.LastIndex(path, "/")+1:]

	return Partial{
		SlashURL:              count(u.Normalized, "/"),
		LengthURL:             float64(utf8.RuneCountInString(u.Normalized)),
		DotDirectory:          count(path, "."),
		HyphenDirectory:       count(path, "-"),
		UnderlineDirectory:    count(path, "_"),
		QuestionmarkDirectory: count(path, "?"),
		DirectoryLength:       float64(utf8.RuneCountInString(path)),
		HyphenFile:            count(file, "-"),
		FileLength:            float64(utf8.RuneCountInString(file)),
		DotParams:             count(query, "."),
		UnderlineParams:       count(query, "_"),
		QuestionmarkParams:    count(query, "?"),
	}
}

func count(s, substr string) float64 {
	return float64(strings.Count(s, substr))
}
