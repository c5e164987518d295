package logging

// nopLogger discards everything. Used by tests that want deterministic,
// quiet output instead of the default stderr logger.
type nopLogger struct{}

// Nop returns a Logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

func (n nopLogger) WithFields(Fields) Logger {
	return n
}
