package logging

import (
	"fmt"
	"os"
)

// EarlyLog covers the window before config is parsed and zap exists.
// Anything it prints is a startup failure, so it only writes to stderr.
type EarlyLog struct{}

func NewEarlyLog() *EarlyLog {
	return &EarlyLog{}
}

func (l *EarlyLog) Error(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "ERROR: "+format+"\n", args...)
}
