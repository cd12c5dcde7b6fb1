package postgres

import (
	"os"
	"testing"

	"openattribution/internal/adapters/config"
)

// TestMain loads configuration once so .env values (database credentials
// in particular) are available to the integration helpers.
func TestMain(m *testing.M) {
	_, _ = config.Load()

	os.Exit(m.Run())
}
