// Package logger holds the process loggers. Logger is silent until the
// embedding program installs one; Cli writes command output.
package logger

import "go.uber.org/zap"

var (
	Logger = zap.NewNop()
	Cli, _ = zap.NewDevelopment(zap.IncreaseLevel(zap.InfoLevel))
)

// SetLogger installs l as the library logger. A nil l silences it.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	Logger = l
}

func SetCliLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	Cli = l
}

// Backend returns the logger handed to a naming backend's own client.
func Backend(name string) *zap.Logger {
	return Logger.Named("naming").With(zap.String("backend", name))
}
