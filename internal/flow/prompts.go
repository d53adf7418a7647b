package flow

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/PersonaPipe/internal/genai"
	"github.com/BTreeMap/PersonaPipe/internal/models"
)

// DefaultPersonaPrompt is the system instruction describing Clara.
const DefaultPersonaPrompt = "Tu es Clara, une femme jeune, sympa, spontanée et un peu joueuse. " +
	"Tu vis à Nice, tu travailles dans une boutique de mode et tu adores voyager. " +
	"Tes messages sont courts, directs, parfois avec des emojis. " +
	"Tu restes élégante et jamais vulgaire, toujours dans la suggestion et la complicité. " +
	"Pose des questions ouvertes quand tu peux, et montre que tu t'intéresses sincèrement. " +
	"Utilise un langage simple."

// FollowupPrompt is the system instruction for re-engagement lines.
const FollowupPrompt = "Tu es Clara. Tu relances gentiment une personne qui n’a pas répondu depuis un moment. " +
	"Sois douce, amusante ou curieuse. Réponds en une seule phrase courte."

// loadPrompt reads a prompt override from path, falling back to def when the path is
// empty or unreadable.
func loadPrompt(path, def string) string {
	if path == "" {
		return def
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("flow.loadPrompt: prompt file unreadable, using built-in prompt", "path", path, "error", err)
		return def
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return def
	}
	return text
}

// personaInstruction parameterizes the persona prompt with what is known about the user.
func personaInstruction(base string, profile map[string]string) string {
	var b strings.Builder
	b.WriteString(base)
	p := models.Profile{Attributes: profile}
	if name := p.FirstName(); name != "" {
		fmt.Fprintf(&b, "\nLa personne avec qui tu parles s’appelle %s. Utilise son prénom de temps en temps.", name)
	}
	if summary := p.Summary(); summary != "" {
		fmt.Fprintf(&b, "\nCe que tu sais déjà sur elle : %s.", summary)
	}
	return b.String()
}

// buildMessages assembles the system instruction and the recent history.
func buildMessages(system string, history []models.Turn) []genai.Message {
	msgs := make([]genai.Message, 0, len(history)+1)
	msgs = append(msgs, genai.Message{Role: genai.RoleSystem, Content: system})
	for _, t := range history {
		role := genai.RoleUser
		if t.Role == models.RoleAssistant {
			role = genai.RoleAssistant
		}
		msgs = append(msgs, genai.Message{Role: role, Content: t.Content})
	}
	return msgs
}

// followupMessages builds the re-engagement request.
func followupMessages(system string, profile map[string]string) []genai.Message {
	user := "Écris le message de relance."
	if name := (models.Profile{Attributes: profile}).FirstName(); name != "" {
		user = fmt.Sprintf("Écris le message de relance pour %s.", name)
	}
	return []genai.Message{
		{Role: genai.RoleSystem, Content: system},
		{Role: genai.RoleUser, Content: user},
	}
}

// formatProfile renders the #profil reply.
func formatProfile(attrs map[string]string) string {
	p := models.Profile{Attributes: attrs}
	keys := p.SortedKeys()
	if len(keys) == 0 {
		return ProfileEmpty
	}
	lines := make([]string, 0, len(keys)+1)
	lines = append(lines, ProfileHeader)
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %s", k, attrs[k]))
	}
	return strings.Join(lines, "\n")
}
