package flow

import "time"

// Fixed in-persona lines.
const (
	ResetAck         = "On repart de zéro ! Tu veux me dire quoi maintenant ?"
	StatsFormat      = "On a déjà échangé %d messages"
	ProfileHeader    = "Ce que je crois savoir sur toi :"
	ProfileEmpty     = "J’ai encore rien noté sur toi !"
	EscalationFormat = "Tu sais quoi ? Viens discuter en privé ici 👉 %s"
	ClosingLine      = "On a beaucoup parlé là. Tu veux continuer ailleurs ?"
	CooldownLine     = "Je crois que j’ai besoin d’une pause... Réessaye dans un moment."
	ApologyLine      = "Oups, j’ai perdu le fil 😅 Tu peux répéter ?"
	FollowupFallback = "Tu m’as oubliée ?"
	EngagementTail   = " Dis-moi ce que t’en penses 😉"
)

// Commands intercepted before the pipeline. Matching is case-insensitive on the
// trimmed text.
const (
	CommandReset  = "#reset"
	CommandStats  = "#stats"
	CommandProfil = "#profil"
	CommandWhoami = "#whoami"
)

// Settings holds the orchestrator thresholds and probabilities.
type Settings struct {
	HistoryWindow             int           // turns sent upstream
	EscalationThreshold       int           // MessageCount at which the link is sent
	CeilingThreshold          int           // MessageCount above which only the closing line is sent
	FailureThreshold          int           // consecutive failures before the cooldown line
	ScriptedProbability       float64       // chance of a scripted reply instead of generation
	EngagementTailProbability float64       // chance of the tail on replies without a question
	EscalationLink            string        // private-channel URL
	PhotoURL                  string        // attachment for the photo intent; empty disables it
	ApologyOnFailure          bool          // apologize on failures below FailureThreshold
	GenerationTimeout         time.Duration // bound on one generation call
	Location                  *time.Location
}

// DefaultEscalationLink is the private-channel URL sent at escalation.
const DefaultEscalationLink = "https://claradimigl.com/clara"

// DefaultSettings returns the production thresholds.
func DefaultSettings() Settings {
	return Settings{
		HistoryWindow:             10,
		EscalationThreshold:       20,
		CeilingThreshold:          100,
		FailureThreshold:          3,
		ScriptedProbability:       0.15,
		EngagementTailProbability: 0.2,
		EscalationLink:            DefaultEscalationLink,
		GenerationTimeout:         20 * time.Second,
		Location:                  time.Local,
	}
}

// withDefaults fills zero values from DefaultSettings.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.HistoryWindow <= 0 {
		s.HistoryWindow = d.HistoryWindow
	}
	if s.EscalationThreshold <= 0 {
		s.EscalationThreshold = d.EscalationThreshold
	}
	if s.CeilingThreshold <= 0 {
		s.CeilingThreshold = d.CeilingThreshold
	}
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = d.FailureThreshold
	}
	if s.EscalationLink == "" {
		s.EscalationLink = d.EscalationLink
	}
	if s.GenerationTimeout <= 0 {
		s.GenerationTimeout = d.GenerationTimeout
	}
	if s.Location == nil {
		s.Location = d.Location
	}
	return s
}
