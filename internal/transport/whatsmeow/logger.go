package whatsmeow

import (
	"github.com/rs/zerolog"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// zlog routes the client library's printf-style logging into zerolog.
type zlog struct {
	logger zerolog.Logger
}

func newLogger(logger zerolog.Logger, module string) waLog.Logger {
	return zlog{logger: logger.With().Str("module", module).Logger()}
}

func (l zlog) Errorf(msg string, args ...interface{}) { l.logger.Error().Msgf(msg, args...) }
func (l zlog) Warnf(msg string, args ...interface{})  { l.logger.Warn().Msgf(msg, args...) }
func (l zlog) Infof(msg string, args ...interface{})  { l.logger.Info().Msgf(msg, args...) }
func (l zlog) Debugf(msg string, args ...interface{}) { l.logger.Debug().Msgf(msg, args...) }

func (l zlog) Sub(module string) waLog.Logger {
	return zlog{logger: l.logger.With().Str("module", module).Logger()}
}
