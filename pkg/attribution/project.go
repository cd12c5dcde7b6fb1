// Package attribution projects a telemetry session into the two external
// attribution payload shapes consumed by commerce integrations: a
// checkout-embedded object and a standalone content-attribution object.
//
// Both shapes are views over one internal aggregate, so the deduplication
// and tie-break rules live in exactly one place. Projection is a pure
// transformation over an immutable session snapshot; it carries no state
// and never mutates its input.
package attribution

import (
	"time"

	"openattribution/pkg/errors"
	"openattribution/pkg/telemetry"
)

// RetrievedContent is one deduplicated content retrieval, bearing the
// earliest time the URL was fetched (the first-touch signal).
type RetrievedContent struct {
	ContentURL string    `json:"content_url"`
	Timestamp  time.Time `json:"timestamp"`
}

// CitedContent is one deduplicated citation with its quality metadata.
type CitedContent struct {
	ContentURL    string    `json:"content_url"`
	Timestamp     time.Time `json:"timestamp"`
	CitationType  string    `json:"citation_type,omitempty"`
	Position      string    `json:"position,omitempty"`
	ExcerptTokens int       `json:"excerpt_tokens,omitempty"`
	ContentHash   string    `json:"content_hash,omitempty"`
}

// ConversationSummary aggregates turn activity without exposing raw text.
type ConversationSummary struct {
	TurnCount             int      `json:"turn_count,omitempty"`
	PrimaryIntent         string   `json:"primary_intent,omitempty"`
	Topics                []string `json:"topics,omitempty"`
	TotalContentRetrieved int      `json:"total_content_retrieved,omitempty"`
	TotalContentCited     int      `json:"total_content_cited,omitempty"`
}

// Attribution is the shared aggregate both external shapes derive from.
// Collections that would be empty are nil, and therefore omitted on the
// wire entirely, so consumers can distinguish "not reported" from
// "reported as empty".
type Attribution struct {
	ContentScope        string               `json:"content_scope,omitempty"`
	PriorSessionIDs     []string             `json:"prior_session_ids,omitempty"`
	ContentRetrieved    []RetrievedContent   `json:"content_retrieved,omitempty"`
	ContentCited        []CitedContent       `json:"content_cited,omitempty"`
	ConversationSummary *ConversationSummary `json:"conversation_summary,omitempty"`
}

// Project computes the shared aggregate from a session snapshot. The session
// may still be open. A structurally invalid session fails fast with a
// descriptive error rather than producing a partial projection.
func Project(session *telemetry.Session) (*Attribution, error) {
	if err := telemetry.ValidateSession(session); err != nil {
		return nil, errors.Wrap(err, "cannot project invalid session")
	}

	attr := &Attribution{
		ContentScope:     session.ContentScope,
		ContentRetrieved: collectRetrieved(session.Events),
		ContentCited:     collectCited(session.Events),
	}

	for _, id := range session.PriorSessionIDs {
		attr.PriorSessionIDs = append(attr.PriorSessionIDs, id.String())
	}

	attr.ConversationSummary = summarize(session.Events,
		len(attr.ContentRetrieved), len(attr.ContentCited))

	return attr, nil
}

// collectRetrieved deduplicates content_retrieved events by URL, keeping the
// earliest timestamp per URL. Output order is first-seen order.
func collectRetrieved(events []telemetry.Event) []RetrievedContent {
	var out []RetrievedContent
	index := make(map[string]int)

	for _, event := range events {
		if event.Type != telemetry.EventContentRetrieved || event.ContentURL == "" {
			continue
		}
		if i, seen := index[event.ContentURL]; seen {
			if event.Timestamp.Before(out[i].Timestamp) {
				out[i].Timestamp = event.Timestamp
			}
			continue
		}
		index[event.ContentURL] = len(out)
		out = append(out, RetrievedContent{
			ContentURL: event.ContentURL,
			Timestamp:  event.Timestamp,
		})
	}
	return out
}

// collectCited deduplicates content_cited events by URL. On collision the
// metadata of the chronologically last citation wins: later citations
// reflect the agent's final characterization of how the content was used,
// which is closest to what actually reached the user.
func collectCited(events []telemetry.Event) []CitedContent {
	var out []CitedContent
	index := make(map[string]int)

	for _, event := range events {
		if event.Type != telemetry.EventContentCited || event.ContentURL == "" {
			continue
		}
		entry := CitedContent{
			ContentURL:    event.ContentURL,
			Timestamp:     event.Timestamp,
			CitationType:  stringField(event.Data, "citation_type"),
			Position:      stringField(event.Data, "position"),
			ExcerptTokens: intField(event.Data, "excerpt_tokens"),
			ContentHash:   stringField(event.Data, "content_hash"),
		}
		if i, seen := index[event.ContentURL]; seen {
			// Equal timestamps resolve to the later event in sequence order
			if !event.Timestamp.Before(out[i].Timestamp) {
				out[i] = entry
			}
			continue
		}
		index[event.ContentURL] = len(out)
		out = append(out, entry)
	}
	return out
}

// summarize builds the conversation summary: turn_count counts
// turn_completed events (minimum 1 when any turn activity exists, so a
// mid-conversation snapshot never reports a misleading zero), topics are the
// deduplicated union across every turn-bearing event, and primary_intent is
// the most frequent completed-turn intent.
func summarize(events []telemetry.Event, totalRetrieved, totalCited int) *ConversationSummary {
	turnCount := 0
	turnActivity := false
	intentCounts := make(map[telemetry.IntentCategory]int)
	var intentOrder []telemetry.IntentCategory
	topicSeen := make(map[string]bool)
	var topics []string

	for _, event := range events {
		if event.Turn != nil || event.Type.Family() == telemetry.FamilyConversation {
			turnActivity = true
		}
		if event.Turn != nil {
			for _, topic := range event.Turn.Topics {
				if !topicSeen[topic] {
					topicSeen[topic] = true
					topics = append(topics, topic)
				}
			}
		}
		if event.Type != telemetry.EventTurnCompleted {
			continue
		}
		turnCount++
		if event.Turn != nil && event.Turn.QueryIntent != "" {
			if intentCounts[event.Turn.QueryIntent] == 0 {
				intentOrder = append(intentOrder, event.Turn.QueryIntent)
			}
			intentCounts[event.Turn.QueryIntent]++
		}
	}

	if turnCount == 0 && turnActivity {
		turnCount = 1
	}

	summary := &ConversationSummary{
		TurnCount:             turnCount,
		PrimaryIntent:         string(dominantIntent(intentCounts, intentOrder)),
		Topics:                topics,
		TotalContentRetrieved: totalRetrieved,
		TotalContentCited:     totalCited,
	}

	if summary.TurnCount == 0 && summary.PrimaryIntent == "" && len(summary.Topics) == 0 &&
		summary.TotalContentRetrieved == 0 && summary.TotalContentCited == 0 {
		return nil
	}
	return summary
}

// dominantIntent picks the most frequent intent; ties resolve to the intent
// seen first.
func dominantIntent(counts map[telemetry.IntentCategory]int, order []telemetry.IntentCategory) telemetry.IntentCategory {
	var best telemetry.IntentCategory
	bestCount := 0
	for _, intent := range order {
		if counts[intent] > bestCount {
			best = intent
			bestCount = counts[intent]
		}
	}
	return best
}

func stringField(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

// intField tolerates both native ints and the float64 that JSON decoding
// produces for numbers.
func intField(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
