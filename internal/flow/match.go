package flow

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldTransformer strips diacritics: NFD decomposition, removal of combining
// marks, NFC recomposition.
var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Fold lowercases text and strips accents so "Sí" matches "si" and
// "CONFIRMO!" matches "confirmo".
func Fold(s string) string {
	out, _, err := transform.String(foldTransformer, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// normalizeAnswer folds the text, replaces punctuation with spaces, and
// collapses whitespace. All keyword and option matching runs on this form.
func normalizeAnswer(s string) string {
	folded := Fold(s)
	var b strings.Builder
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// containsPhrase reports whether the normalized text contains the phrase on
// word boundaries.
func containsPhrase(normalized, phrase string) bool {
	return strings.Contains(" "+normalized+" ", " "+phrase+" ")
}

func containsAnyPhrase(normalized string, phrases ...string) bool {
	for _, p := range phrases {
		if containsPhrase(normalized, p) {
			return true
		}
	}
	return false
}

// MatchesPhrase reports whether the whole message equals the phrase after
// normalization. Used for the explicit confirmation phrase, where a message
// that merely contains it is not enough.
func MatchesPhrase(text, phrase string) bool {
	return normalizeAnswer(text) == normalizeAnswer(phrase)
}

// matchOption resolves the customer's pick from a displayed numbered list.
// A number picks by position and wins over text matching; otherwise the text
// must match exactly one option, by equality first and containment second.
// Returns the zero-based index.
func matchOption(text string, options []string) (int, bool) {
	if len(options) == 0 {
		return -1, false
	}
	normText := normalizeAnswer(text)
	if normText == "" {
		return -1, false
	}

	if n, err := strconv.Atoi(normText); err == nil {
		if n >= 1 && n <= len(options) {
			return n - 1, true
		}
		return -1, false
	}

	normOpts := make([]string, len(options))
	for i, opt := range options {
		normOpts[i] = normalizeAnswer(opt)
	}

	for i, opt := range normOpts {
		if opt == normText {
			return i, true
		}
	}

	// Containment either way, but only for inputs long enough to be
	// meaningful, and only when the match is unique.
	if len([]rune(normText)) < 3 {
		return -1, false
	}
	match := -1
	for i, opt := range normOpts {
		if strings.Contains(opt, normText) || containsPhrase(normText, opt) {
			if match >= 0 {
				return -1, false
			}
			match = i
		}
	}
	if match >= 0 {
		return match, true
	}
	return -1, false
}

// spanishNumbers lists spelled-out quantities customers actually type.
// Multi-word phrases come first so "media docena" wins over "docena".
var spanishNumbers = []struct {
	phrase string
	n      int
}{
	{"media docena", 6}, {"una docena", 12}, {"docena", 12},
	{"uno", 1}, {"una", 1}, {"dos", 2}, {"tres", 3}, {"cuatro", 4},
	{"cinco", 5}, {"seis", 6}, {"siete", 7}, {"ocho", 8}, {"nueve", 9},
	{"diez", 10},
}

// Quantity bounds accepted from chat input.
const (
	minQuantity = 1
	maxQuantity = 500
)

// parseQuantity extracts an item quantity from the message.
func parseQuantity(text string) (int, bool) {
	normText := normalizeAnswer(text)
	if normText == "" {
		return 0, false
	}

	for _, q := range spanishNumbers {
		if containsPhrase(normText, q.phrase) {
			return q.n, true
		}
	}

	for _, tok := range strings.Fields(normText) {
		n, err := strconv.Atoi(tok)
		if err != nil {
			continue
		}
		if n < minQuantity || n > maxQuantity {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

var spanishMonths = [...]string{
	"enero", "febrero", "marzo", "abril", "mayo", "junio",
	"julio", "agosto", "septiembre", "octubre", "noviembre", "diciembre",
}

// formatDateSpanish renders an ISO date as the customer sees it ("6 de enero").
func formatDateSpanish(iso string) string {
	t, err := time.Parse("2006-01-02", iso)
	if err != nil {
		return iso
	}
	return fmt.Sprintf("%d de %s", t.Day(), spanishMonths[t.Month()-1])
}

// matchDate resolves the customer's delivery date pick against the snapshot's
// valid dates: by list position, by ISO form, or by the Spanish rendering.
func matchDate(text string, dates []string) (string, bool) {
	if len(dates) == 0 {
		return "", false
	}
	normText := normalizeAnswer(text)
	if normText == "" {
		return "", false
	}

	if n, err := strconv.Atoi(normText); err == nil {
		if n >= 1 && n <= len(dates) {
			return dates[n-1], true
		}
		return "", false
	}

	match := ""
	for _, d := range dates {
		variants := []string{
			normalizeAnswer(d),
			normalizeAnswer(formatDateSpanish(d)),
		}
		if t, err := time.Parse("2006-01-02", d); err == nil {
			variants = append(variants, normalizeAnswer(fmt.Sprintf("%d %s", t.Day(), spanishMonths[t.Month()-1])))
		}
		for _, v := range variants {
			if v != "" && containsPhrase(normText, v) {
				if match != "" && match != d {
					return "", false
				}
				match = d
				break
			}
		}
	}
	if match != "" {
		return match, true
	}
	return "", false
}

// isAffirmative detects a plain yes. Deliberately not accepted as a commit
// confirmation; that requires the policy's explicit phrase.
func isAffirmative(text string) bool {
	normText := normalizeAnswer(text)
	fields := strings.Fields(normText)
	if len(fields) > 0 && fields[0] == "si" {
		return true
	}
	switch normText {
	case "claro", "vale", "ok", "okay", "correcto", "sale", "por supuesto", "asi es", "afirmativo":
		return true
	}
	return false
}

// isNegative detects a plain no.
func isNegative(text string) bool {
	normText := normalizeAnswer(text)
	fields := strings.Fields(normText)
	if len(fields) > 0 && fields[0] == "no" {
		return true
	}
	switch normText {
	case "para nada", "tampoco", "negativo", "nel":
		return true
	}
	return false
}

// extractOrderRef pulls an order-reference token out of free text. A
// reference has at least one digit and is either letter-bearing, hyphenated,
// or five-plus characters, which keeps short years and quantities out.
func extractOrderRef(text string) (string, bool) {
	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	for _, tok := range tokens {
		clean := strings.Trim(tok, "-")
		if len(clean) < 4 {
			continue
		}
		hasDigit, hasLetter := false, false
		for _, r := range clean {
			switch {
			case unicode.IsDigit(r):
				hasDigit = true
			case unicode.IsLetter(r):
				hasLetter = true
			}
		}
		if !hasDigit {
			continue
		}
		if hasLetter || strings.Contains(clean, "-") || len(clean) >= 5 {
			return strings.ToUpper(clean), true
		}
	}
	return "", false
}
