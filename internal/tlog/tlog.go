// Package tlog is a thin wrapper over the standard log package that tags
// every line with a component name, matching the teacher's bracketed-prefix
// logging idiom ("[MEMORY] ...", "[CHROMEM] ...").
package tlog

import "log"

// Logger prints lines prefixed with "[component] ".
type Logger struct {
	component string
}

// New returns a Logger for the given component name.
func New(component string) *Logger {
	return &Logger{component: component}
}

func (l *Logger) Infof(format string, args ...interface{}) {
	log.Printf("["+l.component+"] "+format, args...)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	log.Printf("["+l.component+"][debug] "+format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	log.Printf("["+l.component+"][warn] "+format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	log.Printf("["+l.component+"][error] "+format, args...)
}
