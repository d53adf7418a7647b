package flow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/genai"
	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersonaInstruction(t *testing.T) {
	assert.Equal(t, DefaultPersonaPrompt, personaInstruction(DefaultPersonaPrompt, nil))

	got := personaInstruction("Base.", map[string]string{models.AttrFirstName: "Léa", models.AttrCity: "Lyon"})
	assert.Contains(t, got, "s’appelle Léa")
	assert.Contains(t, got, "prénom: Léa")
	assert.Contains(t, got, "ville: Lyon")
}

func TestBuildMessages(t *testing.T) {
	history := []models.Turn{
		{Role: models.RoleUser, Content: "salut"},
		{Role: models.RoleAssistant, Content: "coucou"},
	}
	msgs := buildMessages("sys", history)
	require.Len(t, msgs, 3)
	assert.Equal(t, genai.Message{Role: genai.RoleSystem, Content: "sys"}, msgs[0])
	assert.Equal(t, genai.RoleUser, msgs[1].Role)
	assert.Equal(t, genai.RoleAssistant, msgs[2].Role)
}

func TestFollowupMessages(t *testing.T) {
	msgs := followupMessages(FollowupPrompt, nil)
	require.Len(t, msgs, 2)
	assert.Equal(t, genai.RoleSystem, msgs[0].Role)
	assert.NotContains(t, msgs[1].Content, " pour ")

	msgs = followupMessages(FollowupPrompt, map[string]string{models.AttrFirstName: "Karim"})
	assert.Contains(t, msgs[1].Content, "Karim")
}

func TestFormatProfile(t *testing.T) {
	assert.Equal(t, ProfileEmpty, formatProfile(nil))
	got := formatProfile(map[string]string{models.AttrCity: "Nice", models.AttrAge: "30"})
	assert.Equal(t, ProfileHeader+"\nville: Nice\nâge: 30", got)
}

func TestLoadPrompt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prompt.txt")
	require.NoError(t, os.WriteFile(path, []byte("  Tu es Zoé.\n"), 0o600))
	empty := filepath.Join(dir, "empty.txt")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))

	assert.Equal(t, "Tu es Zoé.", loadPrompt(path, "def"))
	assert.Equal(t, "def", loadPrompt("", "def"))
	assert.Equal(t, "def", loadPrompt(filepath.Join(dir, "missing.txt"), "def"))
	assert.Equal(t, "def", loadPrompt(empty, "def"))
}

func TestSettings_WithDefaults(t *testing.T) {
	s := Settings{ScriptedProbability: 0.5}.withDefaults()
	d := DefaultSettings()
	assert.Equal(t, d.HistoryWindow, s.HistoryWindow)
	assert.Equal(t, d.EscalationThreshold, s.EscalationThreshold)
	assert.Equal(t, d.CeilingThreshold, s.CeilingThreshold)
	assert.Equal(t, d.FailureThreshold, s.FailureThreshold)
	assert.Equal(t, DefaultEscalationLink, s.EscalationLink)
	assert.Equal(t, 20*time.Second, s.GenerationTimeout)
	assert.Equal(t, 0.5, s.ScriptedProbability)
	assert.NotNil(t, s.Location)
}
