package command

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/goliatone/go-errors"
)

type PanicLogger func(funcName string, err any, stack []byte, fields ...map[string]any)

// MakePanicHandler returns a deferred recover hook. Use as
// defer MakePanicHandler(log)("name", fields).
func MakePanicHandler(logger PanicLogger) func(funcName string, fields ...map[string]any) {
	return func(funcName string, fields ...map[string]any) {
		if err := recover(); err != nil {
			logger(funcName, err, captureStack(), fields...)
		}
	}
}

// LoggerPanicLogger reports recovered panics through a Logger.
func LoggerPanicLogger(logger Logger) PanicLogger {
	logger = NormalizeLogger(logger)
	return func(funcName string, err any, stack []byte, fields ...map[string]any) {
		l := logger
		if len(fields) > 0 && fields[0] != nil {
			l = WithLoggerFields(logger, fields[0])
		}
		l.Error("recovered from panic in %s: %v (%T)\n%s", funcName, err, err, stack)
	}
}

// CapturePanic reports the panic through next, when set, and stores it in
// errp so the recovered unit of work fails with ErrCodePanic.
func CapturePanic(errp *error, next PanicLogger) PanicLogger {
	return func(funcName string, recovered any, stack []byte, fields ...map[string]any) {
		if next != nil {
			next(funcName, recovered, stack, fields...)
		}
		*errp = panicError(funcName, recovered, stack)
	}
}

func panicError(funcName string, recovered any, stack []byte) error {
	return errors.New(fmt.Sprintf("panic in %s: %v", funcName, recovered), errors.CategoryHandler).
		WithTextCode(ErrCodePanic).
		WithMetadata(map[string]any{"stack": string(stack)})
}

func captureStack() []byte {
	fullStack := make([]byte, 8096)
	n := runtime.Stack(fullStack, false)
	return cleanStackTrace(fullStack[:n])
}

func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}

	// drop the panic() call and its file reference
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		lines = lines[panicLineIndex+2:]
	}

	return []byte(strings.Join(lines, "\n"))
}
