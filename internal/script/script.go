// Package script holds the canned replies that bypass the language model: fast-path
// intent answers for sensitive topics and the themed scripted response bank.
package script

import (
	"log/slog"
	"strings"
	"unicode"
)

// Rand is the random source used for bucket and variant selection.
// *rand.Rand from math/rand/v2 satisfies it.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

// Normalize lowercases and trims text and folds typographic apostrophes so keyword
// matching is insensitive to how the user typed.
func Normalize(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	return strings.NewReplacer("’", "'", "‘", "'").Replace(text)
}

// inflections are the plural and feminine endings a single-word keyword may carry.
var inflections = []string{"", "s", "x", "e", "es"}

// containsAny reports whether normalized text contains one of the keywords. A
// single-word keyword must match a whole word, optionally inflected, so "photo" finds
// "photos" but not "photographe". Phrases match as substrings.
func containsAny(normalized string, keywords []string) bool {
	var words map[string]struct{}
	for _, k := range keywords {
		if k == "" {
			continue
		}
		if !isSingleWord(k) {
			if strings.Contains(normalized, k) {
				return true
			}
			continue
		}
		if words == nil {
			words = wordSet(normalized)
		}
		for _, suffix := range inflections {
			if _, ok := words[k+suffix]; ok {
				return true
			}
		}
	}
	return false
}

func isSingleWord(k string) bool {
	return strings.IndexFunc(k, func(r rune) bool { return !isWordRune(r) }) < 0
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func wordSet(normalized string) map[string]struct{} {
	fields := strings.FieldsFunc(normalized, func(r rune) bool { return !isWordRune(r) })
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// ---- Fast-path intents ----

// Intent is a topical category answered without the language model.
type Intent string

const (
	IntentPhoto    Intent = "photo"
	IntentLocation Intent = "location"
	IntentMeeting  Intent = "meeting"
)

// IntentRule maps an intent to its keywords and canned answer.
type IntentRule struct {
	Intent   Intent
	Keywords []string
	Answer   string
}

// DefaultIntents are evaluated in order; the first matching rule wins.
var DefaultIntents = []IntentRule{
	{
		Intent:   IntentPhoto,
		Keywords: []string{"photo", "selfie", "une pic", "montre-toi", "montre toi", "à quoi tu ressembles", "a quoi tu ressembles", "ta tête"},
		Answer:   "Je garde mes photos pour les gens que je connais vraiment 😉 Tiens, juste un aperçu :",
	},
	{
		Intent:   IntentLocation,
		Keywords: []string{"où tu habites", "ou tu habites", "t'habites où", "t'habites ou", "tu habites où", "tu vis où", "tu vis ou", "d'où tu viens", "d'ou tu viens", "ton adresse", "t'es d'où", "t'es où", "tu es où"},
		Answer:   "J’habite à Nice, pas loin de la mer ☀️ Et toi, t’es d’où ?",
	},
	{
		Intent:   IntentMeeting,
		Keywords: []string{"se voir", "se rencontrer", "te rencontrer", "on se voit", "rendez-vous", "rdv", "boire un verre", "prendre un verre", "te voir en vrai"},
		Answer:   "Haha doucement 😄 On apprend d’abord à se connaître ici, d’accord ?",
	},
}

// Matcher detects fast-path intents.
type Matcher struct {
	rules []IntentRule
}

// NewMatcher creates a Matcher over rules, or DefaultIntents when rules is empty.
func NewMatcher(rules []IntentRule) *Matcher {
	if len(rules) == 0 {
		rules = DefaultIntents
	}
	return &Matcher{rules: rules}
}

// Detect returns the first rule whose keywords occur in text.
func (m *Matcher) Detect(text string) (IntentRule, bool) {
	norm := Normalize(text)
	for _, r := range m.rules {
		if containsAny(norm, r.Keywords) {
			slog.Debug("Matcher.Detect: fast-path intent matched", "intent", r.Intent)
			return r, true
		}
	}
	return IntentRule{}, false
}

// ---- Scripted response bank ----

// Bucket is a topic with its trigger keywords and reply variants.
type Bucket struct {
	Name     string
	Keywords []string
	Replies  []string
}

// DefaultBuckets is the scripted response bank, in matching order.
var DefaultBuckets = []Bucket{
	{
		Name:     "night",
		Keywords: []string{"nuit", "dormir", "dodo", "insomnie", "couché", "ce soir"},
		Replies: []string{
			"Tu dors pas encore ? Moi non plus 🌙",
			"La nuit c’est le meilleur moment pour papoter, non ?",
			"Je suis sous ma couette avec mon téléphone, et toi ?",
		},
	},
	{
		Name:     "morning",
		Keywords: []string{"matin", "réveil", "reveil", "café", "cafe", "petit-déj", "bien dormi"},
		Replies: []string{
			"Je suis pas du matin sans mon café ☕",
			"Bien dormi ? Moi j’ai rêvé de la plage",
			"Le matin à Nice avec le soleil, c’est magique ☀️",
		},
	},
	{
		Name:     "compliment",
		Keywords: []string{"belle", "jolie", "magnifique", "mignonne", "canon", "charmante", "sublime"},
		Replies: []string{
			"Oh arrête, tu vas me faire rougir 😊",
			"T’es adorable de me dire ça",
			"Merci 😘 tu sais parler aux filles toi",
		},
	},
	{
		Name:     "game",
		Keywords: []string{"jeu", "jouer", "joue", "devine", "défi", "defi", "action ou vérité"},
		Replies: []string{
			"Ok on joue ! Devine ma couleur préférée 😏",
			"Action ou vérité ? Je te laisse choisir",
			"J’adore les jeux… mais je gagne toujours 😇",
		},
	},
	{
		Name:     "teasing",
		Keywords: []string{"taquine", "coquine", "bêtise", "betise", "chiante", "embêter", "embeter", "tu me cherches"},
		Replies: []string{
			"Moi ? Taquine ? Jamais 😇",
			"Tu me cherches là, fais attention 😏",
			"Si tu savais tout ce que je pense…",
		},
	},
}

// Bank selects scripted replies.
type Bank struct {
	buckets []Bucket
}

// NewBank creates a Bank over buckets, or DefaultBuckets when buckets is empty.
func NewBank(buckets []Bucket) *Bank {
	if len(buckets) == 0 {
		buckets = DefaultBuckets
	}
	return &Bank{buckets: buckets}
}

// Buckets returns the configured buckets.
func (b *Bank) Buckets() []Bucket {
	return b.buckets
}

// BucketFor returns the first bucket whose keywords occur in text.
func (b *Bank) BucketFor(text string) (Bucket, bool) {
	norm := Normalize(text)
	for _, bucket := range b.buckets {
		if containsAny(norm, bucket.Keywords) {
			return bucket, true
		}
	}
	return Bucket{}, false
}

// Pick returns a scripted reply for text. The bucket is keyword-selected, falling back
// to a uniformly random bucket; the variant is uniformly random within the bucket.
func (b *Bank) Pick(text string, rnd Rand) (bucket string, reply string) {
	chosen, ok := b.BucketFor(text)
	if !ok {
		chosen = b.buckets[rnd.IntN(len(b.buckets))]
	}
	if len(chosen.Replies) == 0 {
		return chosen.Name, ""
	}
	reply = chosen.Replies[rnd.IntN(len(chosen.Replies))]
	slog.Debug("Bank.Pick: scripted reply selected", "bucket", chosen.Name, "matched", ok)
	return chosen.Name, reply
}
