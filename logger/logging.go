package logger

import "log"

// DebugLogger is the trace sink a session reports its activity to: every
// sent/received KRPC message, bucket eviction, and bootstrap phase
// transition at Debugf/Infof, and every send/parse/timeout failure at
// Errorf.
type DebugLogger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// NullLogger discards everything. It is the session's default so that a
// library consumer pays nothing for tracing unless they opt in.
type NullLogger struct{}

func (l *NullLogger) Debugf(format string, args ...interface{}) {}
func (l *NullLogger) Infof(format string, args ...interface{})  {}
func (l *NullLogger) Errorf(format string, args ...interface{}) {}

// StdLogger writes every trace to the standard library's log package,
// tagged by level. Use it when debugging a session; it is not the default
// because a crawler under real DHT traffic logs constantly.
type StdLogger struct{}

func (l *StdLogger) Debugf(format string, args ...interface{}) {
	log.Printf("[DEBUG] "+format, args...)
}
func (l *StdLogger) Infof(format string, args ...interface{}) {
	log.Printf("[INFO] "+format, args...)
}
func (l *StdLogger) Errorf(format string, args ...interface{}) {
	log.Printf("[ERROR] "+format, args...)
}
