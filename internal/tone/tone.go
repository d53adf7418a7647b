// Package tone keeps outbound text in persona: a casual-French lexical rewriter and
// the output filters applied to every generated reply (persona-leak and name-leak
// suppression).
package tone

import (
	"strings"
	"unicode"
)

// ---- Lexical rewriter ----

// replacement is one ordered substitution pair.
type replacement struct {
	from string
	to   string
}

// contractions are applied in order; later pairs see the output of earlier ones.
var contractions = []replacement{
	{"tu es", "t’es"},
	{"je suis", "j’suis"},
	{"tu vas", "t’vas"},
	{"je ne sais pas", "j’sais pas"},
	{"cela", "ça"},
	{"tu ne", "t’"},
	{"ne t’inquiète pas", "t’inquiète"},
	{"tu veux", "t’veux"},
	{"quelque chose", "qqch"},
	{"parce que", "parce qu’"},
	{"tu m’as", "t’m’as"},
	{"je te", "j’te"},
	{"tu me", "t’me"},
	{"quel est", "c’est quoi"},
	{"je ne", "j’"},
}

// Humanize rewrites formal French constructions into the casual spoken register.
// It is deterministic and case-sensitive.
func Humanize(text string) string {
	for _, r := range contractions {
		text = strings.ReplaceAll(text, r.from, r.to)
	}
	return text
}

// ---- Output filters ----

// DefaultLeakPhrases are self-disclosure phrases that break the persona.
var DefaultLeakPhrases = []string{
	"je suis une intelligence artificielle",
	"j'suis une intelligence artificielle",
	"je suis une ia",
	"j'suis une ia",
	"je suis un programme",
	"j'suis un programme",
	"je suis un robot",
	"j'suis un robot",
	"je suis un assistant virtuel",
	"en tant qu'ia",
	"en tant qu'intelligence artificielle",
	"en tant que modèle de langage",
	"modèle de langage",
	"i am an artificial intelligence",
	"i'm an artificial intelligence",
	"i am a program",
	"i am an ai",
	"i'm an ai",
	"as an ai",
	"language model",
	"openai",
	"chatgpt",
}

// DefaultBlockedNames are generic first names the model tends to invent for the user.
var DefaultBlockedNames = []string{
	"Sophie", "Julie", "Marie", "Emma", "Sarah", "Camille", "Laura", "Chloé",
	"Thomas", "Nicolas", "Julien", "Pierre", "Lucas", "Antoine", "John", "Jane",
}

const (
	// DefaultDeflection replaces any reply that leaks the persona.
	DefaultDeflection = "Haha t’es drôle toi 😄 Moi c’est juste Clara, parle-moi plutôt de toi !"
	// DefaultNameFallback replaces a leaked name when the user's first name is unknown.
	DefaultNameFallback = "toi"
)

// Filters bundles the block lists applied to generated replies.
type Filters struct {
	LeakPhrases  []string
	BlockedNames []string
	Deflection   string
	NameFallback string
}

// DefaultFilters returns the filters used in production.
func DefaultFilters() Filters {
	return Filters{
		LeakPhrases:  DefaultLeakPhrases,
		BlockedNames: DefaultBlockedNames,
		Deflection:   DefaultDeflection,
		NameFallback: DefaultNameFallback,
	}
}

// Apply runs the full output pipeline on a generated reply: lexical rewrite,
// persona-leak suppression, then name-leak suppression. firstName may be empty.
func (f Filters) Apply(reply, firstName string) string {
	rewritten := Humanize(reply)
	if f.Leaks(reply) || f.Leaks(rewritten) {
		return f.Deflection
	}
	return f.ReplaceNames(rewritten, firstName)
}

// Leaks reports whether text contains any block-listed self-disclosure phrase.
func (f Filters) Leaks(text string) bool {
	norm := normalizeForMatch(text)
	for _, phrase := range f.LeakPhrases {
		if phrase == "" {
			continue
		}
		if strings.Contains(norm, normalizeForMatch(phrase)) {
			return true
		}
	}
	return false
}

// ReplaceNames substitutes every whole-word occurrence of a blocked name with
// firstName, or with the fallback term when firstName is empty. Matching is
// case-insensitive; a name embedded in a longer word is left untouched.
func (f Filters) ReplaceNames(text, firstName string) string {
	if len(f.BlockedNames) == 0 {
		return text
	}
	repl := strings.TrimSpace(firstName)
	if repl == "" {
		repl = f.NameFallback
	}

	var b strings.Builder
	b.Grow(len(text))
	runes := []rune(text)
	for i := 0; i < len(runes); {
		if !isWordRune(runes[i]) {
			b.WriteRune(runes[i])
			i++
			continue
		}
		j := i
		for j < len(runes) && isWordRune(runes[j]) {
			j++
		}
		word := string(runes[i:j])
		if f.isBlockedName(word) && !strings.EqualFold(word, repl) {
			b.WriteString(repl)
		} else {
			b.WriteString(word)
		}
		i = j
	}
	return b.String()
}

func (f Filters) isBlockedName(word string) bool {
	for _, name := range f.BlockedNames {
		if strings.EqualFold(word, name) {
			return true
		}
	}
	return false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// normalizeForMatch lowercases and folds typographic apostrophes.
func normalizeForMatch(s string) string {
	s = strings.ToLower(s)
	return strings.NewReplacer("’", "'", "‘", "'").Replace(s)
}
