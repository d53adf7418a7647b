package script

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seqRand returns IntN results from a fixed sequence.
type seqRand struct {
	ints []int
	i    int
}

func (r *seqRand) Float64() float64 { return 0 }

func (r *seqRand) IntN(n int) int {
	v := r.ints[r.i%len(r.ints)]
	r.i++
	return v % n
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "t'habites où ?", Normalize("  T’habites OÙ ?  "))
}

func TestMatcherDetect(t *testing.T) {
	m := NewMatcher(nil)
	tests := []struct {
		text   string
		intent Intent
		ok     bool
	}{
		{"Tu m'envoies une photo ?", IntentPhoto, true},
		{"T’habites où exactement", IntentLocation, true},
		{"on se voit ce weekend ?", IntentMeeting, true},
		{"j'aime le cinéma", "", false},
		{"je suis photographe", "", false},
		{"t'as des photos de vacances ?", IntentPhoto, true},
		{"envoie-moi un selfie!", IntentPhoto, true},
		{"on fixe un rdv", IntentMeeting, true},
	}
	for _, tt := range tests {
		rule, ok := m.Detect(tt.text)
		assert.Equal(t, tt.ok, ok, tt.text)
		assert.Equal(t, tt.intent, rule.Intent, tt.text)
		if ok {
			assert.NotEmpty(t, rule.Answer)
		}
	}
}

func TestMatcherDetect_FirstRuleWins(t *testing.T) {
	m := NewMatcher(nil)
	rule, ok := m.Detect("envoie une photo et dis-moi où tu habites")
	require.True(t, ok)
	assert.Equal(t, IntentPhoto, rule.Intent)
}

func TestBankPick_KeywordBucket(t *testing.T) {
	b := NewBank(nil)
	bucket, reply := b.Pick("Tu dors pas cette nuit ?", &seqRand{ints: []int{2}})
	assert.Equal(t, "night", bucket)
	assert.Equal(t, DefaultBuckets[0].Replies[2], reply)

	bucket, _ = b.Pick("T'es vraiment JOLIE", &seqRand{ints: []int{0}})
	assert.Equal(t, "compliment", bucket)
}

func TestBankPick_RandomBucketFallback(t *testing.T) {
	b := NewBank(nil)
	// First draw picks the bucket, second the variant.
	bucket, reply := b.Pick("rien de spécial", &seqRand{ints: []int{3, 1}})
	assert.Equal(t, "game", bucket)
	assert.Equal(t, DefaultBuckets[3].Replies[1], reply)
}

func TestBankPick_EveryReplyComesFromBucket(t *testing.T) {
	b := NewBank(nil)
	for i := 0; i < 10; i++ {
		bucket, reply := b.Pick("blabla", &seqRand{ints: []int{i, i + 1}})
		found := false
		for _, bk := range b.Buckets() {
			if bk.Name == bucket {
				assert.Contains(t, bk.Replies, reply)
				found = true
			}
		}
		assert.True(t, found, "bucket %q not in bank", bucket)
	}
}

func TestContainsAny_WholeWords(t *testing.T) {
	assert.False(t, containsAny("je suis photographe", []string{"photo"}))
	assert.False(t, containsAny("on se parle jeudi", []string{"jeu"}))
	assert.True(t, containsAny("t'aimes les jeux ?", []string{"jeu"}))
	assert.True(t, containsAny("t'es couchée ?", []string{"couché"}))
	assert.True(t, containsAny("tu vas montre-toi", []string{"montre-toi"}), "phrases match as substrings")
	assert.False(t, containsAny("rien", []string{""}))
}
