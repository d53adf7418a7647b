package profile

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/genai"
	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/store"
	"github.com/BTreeMap/PersonaPipe/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 6, 1, 15, 0, 0, 0, time.UTC)

func newExtractor(llm genai.ClientInterface, st store.Store) *Extractor {
	return NewExtractor(llm, st, WithClock(func() time.Time { return fixedNow }), WithTimeout(time.Second))
}

func TestExtract_KarimScenario(t *testing.T) {
	llm := testutil.NewFakeLLM(`{"prénom": "Karim", "âge": 25}`)
	st := store.NewInMemoryStore()

	res := newExtractor(llm, st).Extract(context.Background(), "u1", "bonjour, je m'appelle Karim et j'ai 25 ans")

	require.True(t, res.OK(), "%v", res.Err)
	assert.True(t, res.Changed)
	assert.Equal(t, map[string]string{models.AttrFirstName: "Karim", models.AttrAge: "25"}, res.Attributes)

	p, err := st.GetProfile("u1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Karim", p.FirstName())
	assert.Equal(t, "25", p.Attributes[models.AttrAge])
	assert.True(t, p.FirstSeenAt.Equal(fixedNow))

	call := llm.LastCall()
	require.Len(t, call, 1)
	assert.Equal(t, genai.RoleUser, call[0].Role)
	assert.Contains(t, call[0].Content, "je m'appelle Karim")
}

func TestExtract_MergesAcrossCalls(t *testing.T) {
	llm := testutil.NewFakeLLM(`{"prénom": "Léa"}`, `{"ville": "Lyon", "prénom": ""}`, `{}`)
	st := store.NewInMemoryStore()
	ex := newExtractor(llm, st)
	ctx := context.Background()

	require.True(t, ex.Extract(ctx, "u1", "moi c'est Léa").OK())
	require.True(t, ex.Extract(ctx, "u1", "j'habite à Lyon").OK())
	res := ex.Extract(ctx, "u1", "ok")
	require.True(t, res.OK())
	assert.False(t, res.Changed)
	assert.Empty(t, res.Attributes)

	p, err := st.GetProfile("u1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{models.AttrFirstName: "Léa", models.AttrCity: "Lyon"}, p.Attributes)
}

func TestExtract_Failures(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		err   error
		want  error
	}{
		{"prose reply", "Je ne sais pas.", nil, ErrNoObject},
		{"fenced reply", "```json\n{\"prénom\":\"A\"}\n```", nil, ErrNoObject},
		{"broken json", `{"prénom": `, nil, ErrMalformed},
		{"model error", "", errors.New("upstream 500"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := testutil.NewFakeLLM().Enqueue(tt.reply, tt.err)
			st := store.NewInMemoryStore()

			res := newExtractor(llm, st).Extract(context.Background(), "u1", "texte")

			require.Error(t, res.Err)
			if tt.want != nil {
				assert.ErrorIs(t, res.Err, tt.want)
			}
			p, err := st.GetProfile("u1")
			require.NoError(t, err)
			assert.Nil(t, p, "nothing is stored on failure")
		})
	}
}

func TestExtract_NoClient(t *testing.T) {
	res := NewExtractor(nil, store.NewInMemoryStore()).Extract(context.Background(), "u1", "x")
	assert.ErrorIs(t, res.Err, ErrNoClient)
}

type panicLLM struct{}

func (panicLLM) GenerateWithMessages(ctx context.Context, msgs []genai.Message) (string, error) {
	panic("kaboom")
}

func TestExtract_RecoversFromPanic(t *testing.T) {
	res := newExtractor(panicLLM{}, store.NewInMemoryStore()).Extract(context.Background(), "u1", "x")
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "kaboom")
}

type slowLLM struct{}

func (slowLLM) GenerateWithMessages(ctx context.Context, msgs []genai.Message) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestExtract_Timeout(t *testing.T) {
	ex := NewExtractor(slowLLM{}, store.NewInMemoryStore(), WithTimeout(20*time.Millisecond))
	start := time.Now()
	res := ex.Extract(context.Background(), "u1", "x")
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string]string
	}{
		{"canonical keys", `{"prénom":"Karim","âge":25,"ville":"Nice"}`, map[string]string{
			models.AttrFirstName: "Karim", models.AttrAge: "25", models.AttrCity: "Nice",
		}},
		{"aliases", `{"name":"Tom","Age":"30","city":"Paris","interests":"surf"}`, map[string]string{
			models.AttrFirstName: "Tom", models.AttrAge: "30", models.AttrCity: "Paris", models.AttrInterests: "surf",
		}},
		{"list joined", `{"intérêts":["musique","voyages",null,""]}`, map[string]string{
			models.AttrInterests: "musique, voyages",
		}},
		{"nulls and empties dropped", `{"prénom":null,"ville":"  ","âge":""}`, map[string]string{}},
		{"bool stringified", `{"fumeur":true}`, map[string]string{"fumeur": "oui"}},
		{"decimal kept verbatim", `{"âge":25.5}`, map[string]string{models.AttrAge: "25.5"}},
		{"leading whitespace", "  \n{\"ville\":\"Lyon\"}", map[string]string{models.AttrCity: "Lyon"}},
		{"empty object", `{}`, map[string]string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_RejectsNonObjects(t *testing.T) {
	for _, raw := range []string{"", "[]", "null", "Voici: {}"} {
		_, err := Parse(raw)
		assert.ErrorIs(t, err, ErrNoObject, raw)
	}
	_, err := Parse("{nope}")
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestExtractionPromptEmbedsText(t *testing.T) {
	llm := testutil.NewFakeLLM("{}")
	newExtractor(llm, nil).Extract(context.Background(), "u1", "j'adore le surf")
	assert.True(t, strings.Contains(llm.LastCall()[0].Content, "j'adore le surf"))
	assert.Contains(t, llm.LastCall()[0].Content, `"prénom"`)
}
