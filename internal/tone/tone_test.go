package tone

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHumanize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"tu es vraiment drôle", "t’es vraiment drôle"},
		{"je suis contente", "j’suis contente"},
		{"je ne sais pas trop", "j’sais pas trop"},
		{"cela me plaît", "ça me plaît"},
		{"tu veux quelque chose ?", "t’veux qqch ?"},
		{"quel est ton film préféré", "c’est quoi ton film préféré"},
		{"je ne dors pas", "j’ dors pas"},
		{"rien à changer", "rien à changer"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Humanize(tt.in), "Humanize(%q)", tt.in)
	}
}

func TestHumanize_IsDeterministic(t *testing.T) {
	in := "je te dis que tu me manques parce que tu es loin"
	assert.Equal(t, Humanize(in), Humanize(in))
	assert.Equal(t, "j’te dis que t’me manques parce qu’ t’es loin", Humanize(in))
}

func TestApply_PersonaLeakReturnsDeflection(t *testing.T) {
	f := DefaultFilters()
	replies := []string{
		"Je suis une intelligence artificielle, je ne peux pas sortir.",
		"As an AI I cannot meet you",
		"En tant qu’IA je n'ai pas de corps",
	}
	for _, r := range replies {
		got := f.Apply(r, "Léa")
		assert.Equal(t, DefaultDeflection, got)
		assert.False(t, f.Leaks(got), "deflection line must not leak")
	}
}

func TestApply_NameLeakReplacedWithFirstName(t *testing.T) {
	f := DefaultFilters()
	got := f.Apply("Coucou Sophie ! Sophie, tu vas bien ? Sophies et Sophiette restent.", "Léa")
	assert.Equal(t, "Coucou Léa ! Léa, t’vas bien ? Sophies et Sophiette restent.", got)
}

func TestApply_NameLeakUsesFallback(t *testing.T) {
	f := DefaultFilters()
	assert.Equal(t, "Salut toi, ça va ?", f.Apply("Salut thomas, ça va ?", ""))
}

func TestReplaceNames_CaseInsensitiveWholeWord(t *testing.T) {
	f := Filters{BlockedNames: []string{"Marie"}, NameFallback: "toi"}
	assert.Equal(t, "Bonjour Léa et Léa-Claire", f.ReplaceNames("Bonjour MARIE et Marie-Claire", "Léa"))
	assert.Equal(t, "Mariette reste", f.ReplaceNames("Mariette reste", "Léa"))
	assert.Equal(t, "Marié à Léa", f.ReplaceNames("Marié à Marie", "Léa"))
}

func TestReplaceNames_KeepsUserNameWhenBlocked(t *testing.T) {
	f := DefaultFilters()
	assert.Equal(t, "Salut Julie", f.ReplaceNames("Salut Julie", "Julie"))
}

func TestApply_CleanReplyOnlyRewritten(t *testing.T) {
	f := DefaultFilters()
	assert.Equal(t, "t’es à Nice aussi ?", f.Apply("tu es à Nice aussi ?", "Karim"))
}
