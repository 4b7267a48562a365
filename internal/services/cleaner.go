package services

import (
	"regexp"
	"strings"

	types "github.com/inklight/inklight-backend/internal/domain"
)

// Cleaner normalizes raw OCR text. Every pass is a pure string
// transform, so cleaning the same input always yields the same output
// and a re-run of the clean stage converges on identical note rows.
type Cleaner struct{}

func NewCleaner() *Cleaner { return &Cleaner{} }

// corrections maps frequent handwriting misreads to their intended
// words. Matching is lowercase whole-word; the original casing of the
// first letter survives.
var corrections = map[string]string{
	"teh":        "the",
	"adn":        "and",
	"nad":        "and",
	"wiht":       "with",
	"hte":        "the",
	"taht":       "that",
	"thier":      "their",
	"recieve":    "receive",
	"seperate":   "separate",
	"definately": "definitely",
	"occured":    "occurred",
	"untill":     "until",
	"wich":       "which",
	"becuase":    "because",
	"helo":       "hello",
	"wrld":       "world",
}

var (
	// Stray marks OCR invents at page edges and between words.
	artifactRe       = regexp.MustCompile(`(?:^|\s)[|~^\x60_]{1,3}(?:\s|$)|[|~^\x60]{2,}`)
	multiSpace       = regexp.MustCompile(`[ \t]{2,}`)
	multiBlank       = regexp.MustCompile(`\n{3,}`)
	spaceBeforePunct = regexp.MustCompile(` +([.,;:!?])`)
)

func (c *Cleaner) Clean(text string, opts types.CleaningOptions) string {
	out := text
	if opts.RemoveArtifacts {
		out = artifactRe.ReplaceAllString(out, " ")
	}
	if opts.SpellCheck {
		out = correctWords(out)
	}
	if opts.NormalizeSpacing {
		out = normalizeSpacing(out)
	}
	return out
}

func correctWords(text string) string {
	words := strings.Split(text, " ")
	for i, w := range words {
		core, lead, trail := stripPunct(w)
		if core == "" {
			continue
		}
		fixed, ok := corrections[strings.ToLower(core)]
		if !ok {
			continue
		}
		if isTitle(core) {
			fixed = strings.ToUpper(fixed[:1]) + fixed[1:]
		}
		words[i] = lead + fixed + trail
	}
	return strings.Join(words, " ")
}

// stripPunct splits a token into leading punctuation, the word core,
// and trailing punctuation so corrections keep the surrounding marks.
func stripPunct(w string) (core, lead, trail string) {
	start := 0
	for start < len(w) && !isWordByte(w[start]) {
		start++
	}
	end := len(w)
	for end > start && !isWordByte(w[end-1]) {
		end--
	}
	return w[start:end], w[:start], w[end:]
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '\''
}

func isTitle(w string) bool {
	return len(w) > 0 && w[0] >= 'A' && w[0] <= 'Z'
}

func normalizeSpacing(text string) string {
	out := multiSpace.ReplaceAllString(text, " ")
	out = spaceBeforePunct.ReplaceAllString(out, "$1")
	lines := strings.Split(out, "\n")
	for i, ln := range lines {
		lines[i] = strings.TrimSpace(ln)
	}
	out = strings.Join(lines, "\n")
	out = multiBlank.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}
