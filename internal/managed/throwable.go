package managed

import (
	"errors"
	"fmt"
	"strings"
)

// Binary names of the throwables raised by the bridge itself.
const (
	ThrowableName                   = "java.lang.Throwable"
	ExceptionName                   = "java.lang.Exception"
	ErrorName                       = "java.lang.Error"
	RuntimeException                = "java.lang.RuntimeException"
	LinkageError                    = "java.lang.LinkageError"
	ClassNotFoundException          = "java.lang.ClassNotFoundException"
	NoClassDefFoundError            = "java.lang.NoClassDefFoundError"
	NoSuchMethodError               = "java.lang.NoSuchMethodError"
	NoSuchFieldError                = "java.lang.NoSuchFieldError"
	UnsatisfiedLinkError            = "java.lang.UnsatisfiedLinkError"
	AbstractMethodError             = "java.lang.AbstractMethodError"
	IncompatibleClassChangeError    = "java.lang.IncompatibleClassChangeError"
	ClassFormatError                = "java.lang.ClassFormatError"
	ExceptionInInitializerError     = "java.lang.ExceptionInInitializerError"
	OutOfMemoryError                = "java.lang.OutOfMemoryError"
	SecurityException               = "java.lang.SecurityException"
	IllegalArgumentException        = "java.lang.IllegalArgumentException"
	IllegalStateException           = "java.lang.IllegalStateException"
	IllegalMonitorStateException    = "java.lang.IllegalMonitorStateException"
	NullPointerException            = "java.lang.NullPointerException"
	ClassCastException              = "java.lang.ClassCastException"
	ArrayStoreException             = "java.lang.ArrayStoreException"
	NegativeArraySizeException      = "java.lang.NegativeArraySizeException"
	InstantiationException          = "java.lang.InstantiationException"
	IndexOutOfBoundsException       = "java.lang.IndexOutOfBoundsException"
	ArrayIndexOutOfBoundsException  = "java.lang.ArrayIndexOutOfBoundsException"
	StringIndexOutOfBoundsException = "java.lang.StringIndexOutOfBoundsException"
	InvocationTargetException       = "java.lang.reflect.InvocationTargetException"
)

// Throwable is a managed exception. It is a Go error so failures can be
// returned normally inside the bridge and recorded as the pending
// exception at the boundary.
type Throwable struct {
	Instance
	Message string
	Cause   *Throwable
}

// NewThrowable creates a throwable of class c.
func NewThrowable(c *Class, msg string) *Throwable {
	t := &Throwable{Message: msg}
	InitInstance(t, &t.Instance, c)
	return t
}

// Throw creates a throwable of a bootstrap class by binary name. Unknown
// names fall back to java.lang.Error so a typo never hides a failure.
func Throw(className, msg string) *Throwable {
	c := Boot.Lookup(className)
	if c == nil || !c.IsSubclassOf(Boot.Throwable) {
		return NewThrowable(Boot.Error, className+": "+msg)
	}
	return NewThrowable(c, msg)
}

// Throwf is Throw with formatting.
func Throwf(className, format string, args ...any) *Throwable {
	return Throw(className, fmt.Sprintf(format, args...))
}

func (t *Throwable) Error() string {
	if t.Message == "" {
		return t.Class().Name
	}
	return t.Class().Name + ": " + t.Message
}

func (t *Throwable) Unwrap() error {
	if t.Cause == nil {
		return nil
	}
	return t.Cause
}

// Is matches any throwable whose class is target's class or a subclass.
func (t *Throwable) Is(target error) bool {
	o, ok := target.(*Throwable)
	return ok && t.Class().IsSubclassOf(o.Class())
}

// Describe renders the throwable and its cause chain the way
// ExceptionDescribe prints it.
func (t *Throwable) Describe() string {
	var b strings.Builder
	b.WriteString("Exception ")
	b.WriteString(t.Error())
	for c := t.Cause; c != nil; c = c.Cause {
		b.WriteString("\nCaused by: ")
		b.WriteString(c.Error())
	}
	return b.String()
}

// InvocationTargetError wraps a throwable raised by an invoked method.
type InvocationTargetError struct {
	Target *Throwable
}

func (e *InvocationTargetError) Error() string {
	return InvocationTargetException + ": " + e.Target.Error()
}

func (e *InvocationTargetError) Unwrap() error { return e.Target }

// AsThrowable converts err to the throwable recorded as a pending
// exception: invocation wrappers are stripped and plain Go errors become
// java.lang.Error.
func AsThrowable(err error) *Throwable {
	if err == nil {
		return nil
	}
	var ite *InvocationTargetError
	if errors.As(err, &ite) {
		return ite.Target
	}
	var t *Throwable
	if errors.As(err, &t) {
		return t
	}
	return NewThrowable(Boot.Error, err.Error())
}

// IsInstanceOf reports whether err carries a throwable that is an instance
// of the named bootstrap class.
func IsInstanceOf(err error, className string) bool {
	c := Boot.Lookup(className)
	if c == nil {
		return false
	}
	var t *Throwable
	return errors.As(err, &t) && t.Class().IsSubclassOf(c)
}
