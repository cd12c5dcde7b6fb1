package telemetry

import (
	"openattribution/pkg/errors"
)

// Gate returns a copy of turn containing only the fields permitted at the
// given privacy level:
//
//	field class            full  summary  intent  minimal
//	query/response text     ✓       ✓       ✗       ✗
//	intent / topics         ✓       ✓       ✓       ✗
//	token counts, URLs      ✓       ✓       ✓       ✓
//
// At the summary level the text fields are assumed to already contain
// caller-produced summaries; the gate does not summarize. Gate is pure and
// never mutates its input. An unknown level is a validation error.
func Gate(turn *ConversationTurn, level PrivacyLevel) (*ConversationTurn, error) {
	if !level.Valid() {
		return nil, errors.NewValidationError("privacy_level", "unknown privacy level", string(level))
	}
	if turn == nil {
		return nil, nil
	}

	gated := *turn
	gated.PrivacyLevel = level
	gated.Topics = cloneStrings(turn.Topics)
	gated.ContentURLsRetrieved = cloneStrings(turn.ContentURLsRetrieved)
	gated.ContentURLsCited = cloneStrings(turn.ContentURLsCited)

	if !textAllowed(level) {
		gated.QueryText = ""
		gated.ResponseText = ""
	}
	if !intentAllowed(level) {
		gated.QueryIntent = ""
		gated.ResponseType = ""
		gated.Topics = nil
	}

	return &gated, nil
}

func textAllowed(level PrivacyLevel) bool {
	return level == PrivacyFull || level == PrivacySummary
}

func intentAllowed(level PrivacyLevel) bool {
	return level == PrivacyFull || level == PrivacySummary || level == PrivacyIntent
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
