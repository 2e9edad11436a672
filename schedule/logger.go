package schedule

import (
	"github.com/goliatone/go-controlplane/command"
)

// loggerAdapter adapts command.Logger to robfig/cron's logger
type loggerAdapter struct {
	logger command.Logger
}

func (l *loggerAdapter) Info(msg string, args ...any) {
	l.logger.Debug("cron: "+msg+" %v", args)
}

func (l *loggerAdapter) Error(err error, msg string, args ...any) {
	l.logger.Error("cron: %s %v: %v", msg, args, err)
}
