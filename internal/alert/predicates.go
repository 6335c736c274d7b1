package alert

import (
	"strings"

	"github.com/ecotrails/insight-gateway/internal/stage"
)

var waterWords = []string{"water", "stream", "creek", "river", "waterfall", "rapids", "brook"}

var wildlifeWords = []string{"growl", "snarl", "howl", "rattle", "roar"}

func defaultPredicates() []Predicate {
	return []Predicate{
		{
			Name:      "water-nearby",
			Stage:     stage.SoundScan,
			Category:  "water",
			Urgency:   UrgencyInfo,
			Vibration: 1,
			Match: func(r stage.Result) (string, bool) {
				if hit, ok := soundHit(r, waterWords); ok {
					return "Water detected nearby: " + hit, true
				}
				return "", false
			},
		},
		{
			Name:      "wildlife-audio",
			Stage:     stage.SoundScan,
			Category:  "wildlife",
			Urgency:   UrgencyElevated,
			Vibration: 2,
			Match: func(r stage.Result) (string, bool) {
				if hit, ok := soundHit(r, wildlifeWords); ok {
					return "Possible animal sound: " + hit, true
				}
				return "", false
			},
		},
		{
			Name:      "visual-hazard",
			Stage:     stage.FrameScan,
			Category:  "hazard",
			Urgency:   UrgencyElevated,
			Vibration: 2,
			Match: func(r stage.Result) (string, bool) {
				hazards := r.List("hazards")
				if len(hazards) == 0 {
					return "", false
				}
				return "Hazard in view: " + strings.Join(hazards, "; "), true
			},
		},
		{
			Name:      "movement-danger",
			Stage:     stage.MovementEvents,
			Category:  "movement",
			Urgency:   UrgencyUrgent,
			Vibration: 3,
			Match: func(r stage.Result) (string, bool) {
				events, _ := r.Payload["events"].([]any)
				for _, raw := range events {
					ev, _ := raw.(map[string]any)
					if ev == nil {
						continue
					}
					if sev, _ := ev["severity"].(string); sev == "danger" {
						note, _ := ev["note"].(string)
						return "Movement warning: " + note, true
					}
				}
				return "", false
			},
		},
	}
}

// soundHit scans detected sounds and the summary for any of the given words.
// Matching is case-insensitive substring, so "running water" and "Waterfall"
// both count.
func soundHit(r stage.Result, words []string) (string, bool) {
	for _, sound := range r.List("detected_sounds") {
		lower := strings.ToLower(sound)
		for _, w := range words {
			if strings.Contains(lower, w) {
				return sound, true
			}
		}
	}
	summary := strings.ToLower(r.Text("summary"))
	for _, w := range words {
		if strings.Contains(summary, w) {
			return w, true
		}
	}
	return "", false
}
