package trace

import "strings"

// Enricher enriches trace events based on category and name.
type Enricher func(e *Event)

// DefaultEnricher adds secondary tags describing what a call touches.
func DefaultEnricher(e *Event) {
	switch e.Tags.Primary() {
	case JNI:
		if tag, ok := jniTag(e.Name); ok {
			e.AddTag(tag)
		}
		if e.Name == "FatalError" {
			e.AddTag(Fatal)
		}

	case Libc:
		switch e.Name {
		case "malloc", "calloc", "realloc", "free", "posix_memalign", "new", "delete":
			e.AddTag(Malloc)
		case "memcpy", "memmove", "memset", "memcmp":
			e.AddTag(Memory)
		case "abort", "exit", "__stack_chk_fail":
			e.AddTag(Fatal)
		}
		if strings.HasPrefix(e.Name, "str") {
			e.AddTag(String)
		}

	case "import":
		e.AddTag(Fallback)
	}
}

func jniTag(name string) (Tag, bool) {
	switch name {
	case "DefineClass", "FindClass", "GetSuperclass", "IsAssignableFrom",
		"GetObjectClass", "IsInstanceOf", "AllocObject":
		return Class, true
	case "GetMethodID", "GetStaticMethodID", "GetFieldID", "GetStaticFieldID",
		"FromReflectedMethod", "FromReflectedField", "ToReflectedMethod", "ToReflectedField":
		return Member, true
	case "NewGlobalRef", "DeleteGlobalRef", "NewLocalRef", "DeleteLocalRef",
		"NewWeakGlobalRef", "DeleteWeakGlobalRef", "PushLocalFrame", "PopLocalFrame",
		"EnsureLocalCapacity", "IsSameObject", "GetObjectRefType":
		return Ref, true
	case "Throw", "ThrowNew", "ExceptionOccurred", "ExceptionDescribe",
		"ExceptionClear", "ExceptionCheck":
		return Exception, true
	case "RegisterNatives", "UnregisterNatives":
		return Native, true
	}
	switch {
	case strings.Contains(name, "String"):
		return String, true
	case strings.Contains(name, "Array"):
		return Array, true
	case strings.HasPrefix(name, "Call"), strings.HasPrefix(name, "NewObject"):
		return Call, true
	case strings.HasSuffix(name, "Field"):
		return Field, true
	}
	return "", false
}
