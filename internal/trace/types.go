// Package trace collects and classifies the calls a native library makes
// into the JNI bridge and its import stubs.
package trace

import "time"

// Tag represents a trace event category.
// Tags are stored without # prefix; the prefix is added on rendering.
type Tag string

// Standard tags for trace events.
const (
	JNI       Tag = "jni"
	JVM       Tag = "jvm"
	Class     Tag = "class"
	Member    Tag = "member"
	Ref       Tag = "ref"
	String    Tag = "string"
	Array     Tag = "array"
	Exception Tag = "exception"
	Native    Tag = "native"
	Call      Tag = "call"
	Field     Tag = "field"
	Malloc    Tag = "malloc"
	Memory    Tag = "memory"
	Fallback  Tag = "fallback"
	Libc      Tag = "libc"
	Pthread   Tag = "pthread"
	CxxAbi    Tag = "cxxabi"
	Android   Tag = "android"
	Fatal     Tag = "fatal"
)

// Tags is a collection of tags with helper methods.
type Tags []Tag

// Has returns true if the tag collection contains the given tag.
func (t Tags) Has(tag Tag) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

// Add adds a tag if not already present.
func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings returns tags as strings with # prefix for display.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Primary returns the first tag or empty string if none.
func (t Tags) Primary() Tag {
	if len(t) > 0 {
		return t[0]
	}
	return ""
}

// Event is one traced call.
type Event struct {
	PC        uint64 // return address into the calling library
	Tags      Tags   // first is the category the call was reported under
	Name      string // function name, e.g. "FindClass" or "malloc"
	Detail    string // e.g. "com/example/Calc"
	Timestamp time.Time
}

// NewEvent creates a trace event under category.
func NewEvent(pc uint64, category, name, detail string) *Event {
	return &Event{
		PC:        pc,
		Tags:      Tags{Tag(category)},
		Name:      name,
		Detail:    detail,
		Timestamp: time.Now(),
	}
}

// AddTag adds a tag to the event.
func (e *Event) AddTag(tag Tag) {
	e.Tags.Add(tag)
}

// PrimaryTag returns the primary (first) tag with # prefix.
func (e *Event) PrimaryTag() string {
	if len(e.Tags) > 0 {
		return "#" + string(e.Tags[0])
	}
	return ""
}
