package jni

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/zboralski/jnivm/internal/refs"
)

// FatalError is an unrecoverable bridge failure: exhausted reference
// tables, stale handles, broken bootstrap invariants or a native call to
// FatalError. It never becomes a pending exception.
type FatalError struct {
	Msg string
}

func (e *FatalError) Error() string { return "jni: fatal error: " + e.Msg }

// DefaultExit terminates the process after a fatal error.
func DefaultExit(code int) { os.Exit(code) }

// fatal logs msg with the Go stack, runs the exit hook and, if the hook
// returns, panics with a *FatalError so the failing call cannot continue.
func (vm *VM) fatal(msg string) {
	vm.log.Error("FATAL ERROR in native method", zap.String("msg", msg), zap.Stack("stack"))
	vm.exit(1)
	panic(&FatalError{Msg: msg})
}

func (vm *VM) fatalf(format string, args ...any) {
	vm.fatal(fmt.Sprintf(format, args...))
}

// FatalError implements the FatalError entry point.
func (e *Env) FatalError(msg string) {
	e.vm.fatal(msg)
}

// Guard runs fn and turns an exhausted reference table into a fatal
// error. The native dispatch layer wraps every entry point in it.
func (e *Env) Guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if ex, ok := r.(*refs.ExhaustedError); ok {
				e.vm.fatal(ex.Error())
			}
			panic(r)
		}
	}()
	fn()
}
