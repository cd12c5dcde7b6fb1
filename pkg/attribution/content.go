package attribution

import (
	"openattribution/pkg/telemetry"
)

// ForContent projects a session into the standalone content-attribution
// shape: a top-level object that, unlike the checkout binding, may carry
// prior_session_ids for cross-session journey attribution.
func ForContent(session *telemetry.Session) (*Attribution, error) {
	return Project(session)
}
