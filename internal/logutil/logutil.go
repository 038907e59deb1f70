// Package logutil holds slog helpers shared by the engine packages.
package logutil

import "github.com/decred/slog"

// prefixLogger tags the formatted entries of a logger with a fixed prefix.
// Level and SetLevel are those of the wrapped logger.
type prefixLogger struct {
	slog.Logger
	prefix string
}

func (p *prefixLogger) Tracef(format string, params ...interface{}) {
	if p.Level() <= slog.LevelTrace {
		p.Logger.Tracef(p.prefix+format, params...)
	}
}

func (p *prefixLogger) Debugf(format string, params ...interface{}) {
	if p.Level() <= slog.LevelDebug {
		p.Logger.Debugf(p.prefix+format, params...)
	}
}

func (p *prefixLogger) Infof(format string, params ...interface{}) {
	p.Logger.Infof(p.prefix+format, params...)
}

func (p *prefixLogger) Warnf(format string, params ...interface{}) {
	p.Logger.Warnf(p.prefix+format, params...)
}

func (p *prefixLogger) Errorf(format string, params ...interface{}) {
	p.Logger.Errorf(p.prefix+format, params...)
}

func (p *prefixLogger) Criticalf(format string, params ...interface{}) {
	p.Logger.Criticalf(p.prefix+format, params...)
}

// PrefixLogger returns a logger that writes to log with every formatted
// entry starting with "prefix: ". Used to tag all entries about a single
// protocol instance or attachment.
func PrefixLogger(log slog.Logger, prefix string) slog.Logger {
	if log == nil || log == slog.Disabled {
		return slog.Disabled
	}
	return &prefixLogger{Logger: log, prefix: prefix + ": "}
}
