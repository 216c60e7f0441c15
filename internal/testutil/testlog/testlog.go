package testlog

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/reaje/whatsapp-microservice/internal/logging"
)

// New returns a logger that writes through t.Log so output is attributed to
// the test that produced it.
func New(t *testing.T) zerolog.Logger {
	t.Helper()
	logging.ConfigureTests()
	return zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel).With().Str("test", t.Name()).Logger()
}
