package call

import (
	golog "github.com/ipfs/go-log/v2"
	"github.com/pion/logging"
)

// PionLoggers routes Pion's ICE, DTLS and SCTP logging through go-log
// subsystems named "pion/<scope>".
type PionLoggers struct {
	level string
}

// NewPionLoggers returns a factory whose subsystems log at level.
func NewPionLoggers(level string) (*PionLoggers, error) {
	if level == "" {
		level = "warn"
	}
	if _, err := golog.LevelFromString(level); err != nil {
		return nil, err
	}
	return &PionLoggers{level: level}, nil
}

func (p *PionLoggers) NewLogger(scope string) logging.LeveledLogger {
	name := "pion/" + scope
	l := golog.Logger(name)
	_ = golog.SetLogLevel(name, p.level)
	return pionLogger{l}
}

type pionLogger struct{ l *golog.ZapEventLogger }

func (p pionLogger) Trace(msg string)                  { p.l.Debug(msg) }
func (p pionLogger) Tracef(format string, args ...any) { p.l.Debugf(format, args...) }
func (p pionLogger) Debug(msg string)                  { p.l.Debug(msg) }
func (p pionLogger) Debugf(format string, args ...any) { p.l.Debugf(format, args...) }
func (p pionLogger) Info(msg string)                   { p.l.Info(msg) }
func (p pionLogger) Infof(format string, args ...any)  { p.l.Infof(format, args...) }
func (p pionLogger) Warn(msg string)                   { p.l.Warn(msg) }
func (p pionLogger) Warnf(format string, args ...any)  { p.l.Warnf(format, args...) }
func (p pionLogger) Error(msg string)                  { p.l.Error(msg) }
func (p pionLogger) Errorf(format string, args ...any) { p.l.Errorf(format, args...) }
