package provider

import (
	"convobot/internal/domain"
)

// turn is a run of consecutive units from the same origin. Chat APIs expect
// alternating roles, so adjacent units are merged into one message.
type turn struct {
	assistant bool
	units     []domain.ContentUnit
}

// groupTurns folds units into alternating turns. A leading assistant turn
// gets a short user opener because most APIs reject it otherwise.
func groupTurns(units []domain.ContentUnit) []turn {
	var turns []turn
	for _, u := range units {
		assistant := u.Origin == domain.OriginAssistant
		if n := len(turns); n > 0 && turns[n-1].assistant == assistant {
			turns[n-1].units = append(turns[n-1].units, u)
			continue
		}
		turns = append(turns, turn{assistant: assistant, units: []domain.ContentUnit{u}})
	}
	if len(turns) > 0 && turns[0].assistant {
		opener := turn{units: []domain.ContentUnit{domain.TextUnit(conversationOpener, domain.OriginHuman)}}
		turns = append([]turn{opener}, turns...)
	}
	return turns
}

const conversationOpener = "[Conversation so far]"
