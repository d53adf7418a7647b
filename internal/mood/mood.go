// Package mood selects the optional ambient mood line injected before generation.
package mood

import "time"

const (
	// EarlyLine is used before 06:00.
	EarlyLine = "Je suis à moitié endormie mais j’te lis"
	// LateLine is used from 23:00.
	LateLine = "C’est bientôt l’heure dodo mais j’suis encore là"
	// Probability of a neutral line outside the early and late windows.
	Probability = 0.10
)

// NeutralLines are the daytime moods.
var NeutralLines = []string{
	"J’suis un peu rêveuse aujourd’hui",
	"Motivée comme jamais",
	"J’ai une humeur taquine",
}

// Select returns the mood line for the local time now and a uniform draw in [0,1).
// The same draw decides both whether a neutral line is used and which one.
func Select(now time.Time, draw float64) (string, bool) {
	hour := now.Hour()
	switch {
	case hour < 6:
		return EarlyLine, true
	case hour > 22:
		return LateLine, true
	case draw >= 0 && draw < Probability:
		idx := int(draw / Probability * float64(len(NeutralLines)))
		if idx >= len(NeutralLines) {
			idx = len(NeutralLines) - 1
		}
		return NeutralLines[idx], true
	default:
		return "", false
	}
}
