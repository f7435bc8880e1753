package deopt

import (
	"fmt"
	"os"

	"github.com/tliron/commonlog"

	"github.com/chazu/deoptkit/frameinfo"
)

var log = commonlog.GetLogger("deopt")

// FatalError reports a broken runtime contract: corrupted metadata, a
// missing exception handler, a record mutated after commit. The runtime
// cannot continue after one.
type FatalError struct {
	Message string
	Frame   *frameinfo.Frame
}

func (e *FatalError) Error() string {
	if e.Frame != nil {
		return fmt.Sprintf("fatal deoptimization error: %s (frame %v)", e.Message, e.Frame)
	}
	return "fatal deoptimization error: " + e.Message
}

// ExitStatusFatal is the exit status used by the default FatalHandler.
const ExitStatusFatal = 70

// FatalHandler receives every fatal error. The default terminates the
// process. A replacement must not return; if it does, Fatal panics with
// the error.
var FatalHandler = func(err *FatalError) {
	os.Exit(ExitStatusFatal)
}

// Fatal reports an unrecoverable deoptimization error. It never returns.
func Fatal(message string, frame *frameinfo.Frame) {
	err := &FatalError{Message: message, Frame: frame}
	log.Criticalf("%s", err)
	FatalHandler(err)
	panic(err)
}

func fatalf(frame *frameinfo.Frame, format string, args ...any) {
	Fatal(fmt.Sprintf(format, args...), frame)
}

// AssertionError is panicked when a caller breaks the record's usage
// protocol (pin discipline, phase order).
type AssertionError struct {
	Message string
}

func (e *AssertionError) Error() string {
	return "deopt: assertion failed: " + e.Message
}

func assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(&AssertionError{Message: fmt.Sprintf(format, args...)})
	}
}
