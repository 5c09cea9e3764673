package batch

import (
	"fmt"
	"strings"
)

const defaultTargetType = "post"

// actionPhrases maps a normalized event type to its verb phrase. %s is the target type.
var actionPhrases = map[string]string{
	"like":    "liked your %s",
	"comment": "commented on your %s",
	"reply":   "replied to your %s",
	"share":   "shared your %s",
	"mention": "mentioned you in a %s",
	"follow":  "started following you",
}

// ActorPhrase collapses distinct actor names into one phrase:
// "Jane", "Jane and Bob", "Jane, Bob, and 3 others".
func ActorPhrase(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	case 2:
		return names[0] + " and " + names[1]
	}

	rest := len(names) - 2
	noun := "others"
	if rest == 1 {
		noun = "other"
	}
	return fmt.Sprintf("%s, %s, and %d %s", names[0], names[1], rest, noun)
}

// ActionPhrase renders the verb part for eventType against targetType.
func ActionPhrase(eventType, targetType string) string {
	targetType = strings.TrimSpace(targetType)
	if targetType == "" {
		targetType = defaultTargetType
	}

	phrase, ok := actionPhrases[normalizeEventType(eventType)]
	if !ok {
		return fmt.Sprintf("interacted with your %s", targetType)
	}
	if strings.Contains(phrase, "%s") {
		return fmt.Sprintf(phrase, targetType)
	}
	return phrase
}

// Summarize renders the digest line, e.g. "Jane, Bob, and 3 others liked your post".
func Summarize(eventType, targetType string, names []string) string {
	actors := ActorPhrase(names)
	if actors == "" {
		return ""
	}
	return actors + " " + ActionPhrase(eventType, targetType)
}

// SummarizeCount renders the digest line for events without actor names,
// e.g. "3 people liked your post".
func SummarizeCount(eventType, targetType string, events int) string {
	who := "Someone"
	if events > 1 {
		who = fmt.Sprintf("%d people", events)
	}
	return who + " " + ActionPhrase(eventType, targetType)
}

func normalizeEventType(eventType string) string {
	normalized := strings.ToLower(strings.TrimSpace(eventType))
	for _, suffix := range []string{"ed", "s", "d"} {
		trimmed := strings.TrimSuffix(normalized, suffix)
		if _, ok := actionPhrases[trimmed]; ok && trimmed != normalized {
			return trimmed
		}
	}
	return normalized
}
