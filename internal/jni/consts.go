package jni

import (
	"strings"

	"github.com/zboralski/jnivm/internal/managed"
)

// Status codes returned by JNI entry points.
const (
	OK        = 0
	ERR       = -1
	EDETACHED = -2
	EVERSION  = -3
	ENOMEM    = -4
	EEXIST    = -5
	EINVAL    = -6
)

// Release modes for Release<P>ArrayElements and
// ReleasePrimitiveArrayCritical.
const (
	Commit = 1
	Abort  = 2
)

// FunctionCount is the number of slots in the JNINativeInterface table.
const FunctionCount = 233

// JNINativeInterface slot indices.
const (
	FnGetVersion          = 4
	FnDefineClass         = 5
	FnFindClass           = 6
	FnFromReflectedMethod = 7
	FnFromReflectedField  = 8
	FnToReflectedMethod   = 9
	FnGetSuperclass       = 10
	FnIsAssignableFrom    = 11
	FnToReflectedField    = 12
	FnThrow               = 13
	FnThrowNew            = 14
	FnExceptionOccurred   = 15
	FnExceptionDescribe   = 16
	FnExceptionClear      = 17
	FnFatalError          = 18
	FnPushLocalFrame      = 19
	FnPopLocalFrame       = 20
	FnNewGlobalRef        = 21
	FnDeleteGlobalRef     = 22
	FnDeleteLocalRef      = 23
	FnIsSameObject        = 24
	FnNewLocalRef         = 25
	FnEnsureLocalCapacity = 26
	FnAllocObject         = 27
	FnNewObject           = 28
	FnNewObjectV          = 29
	FnNewObjectA          = 30
	FnGetObjectClass      = 31
	FnIsInstanceOf        = 32
	FnGetMethodID         = 33

	FnCallObjectMethod           = 34 // 10 types x {, V, A}
	FnCallNonvirtualObjectMethod = 64 // 10 types x {, V, A}
	FnGetFieldID                 = 94
	FnGetObjectField             = 95  // 9 types
	FnSetObjectField             = 104 // 9 types
	FnGetStaticMethodID          = 113
	FnCallStaticObjectMethod     = 114 // 10 types x {, V, A}
	FnGetStaticFieldID           = 144
	FnGetStaticObjectField       = 145 // 9 types
	FnSetStaticObjectField       = 154 // 9 types

	FnNewString             = 163
	FnGetStringLength       = 164
	FnGetStringChars        = 165
	FnReleaseStringChars    = 166
	FnNewStringUTF          = 167
	FnGetStringUTFLength    = 168
	FnGetStringUTFChars     = 169
	FnReleaseStringUTFChars = 170
	FnGetArrayLength        = 171
	FnNewObjectArray        = 172
	FnGetObjectArrayElement = 173
	FnSetObjectArrayElement = 174

	FnNewBooleanArray             = 175 // 8 types
	FnGetBooleanArrayElements     = 183 // 8 types
	FnReleaseBooleanArrayElements = 191 // 8 types
	FnGetBooleanArrayRegion       = 199 // 8 types
	FnSetBooleanArrayRegion       = 207 // 8 types

	FnRegisterNatives               = 215
	FnUnregisterNatives             = 216
	FnMonitorEnter                  = 217
	FnMonitorExit                   = 218
	FnGetJavaVM                     = 219
	FnGetStringRegion               = 220
	FnGetStringUTFRegion            = 221
	FnGetPrimitiveArrayCritical     = 222
	FnReleasePrimitiveArrayCritical = 223
	FnGetStringCritical             = 224
	FnReleaseStringCritical         = 225
	FnNewWeakGlobalRef              = 226
	FnDeleteWeakGlobalRef           = 227
	FnExceptionCheck                = 228
	FnNewDirectByteBuffer           = 229
	FnGetDirectBufferAddress        = 230
	FnGetDirectBufferCapacity       = 231
	FnGetObjectRefType              = 232
)

// JNIInvokeInterface slot indices.
const (
	InvokeDestroyJavaVM               = 3
	InvokeAttachCurrentThread         = 4
	InvokeDetachCurrentThread         = 5
	InvokeGetEnv                      = 6
	InvokeAttachCurrentThreadAsDaemon = 7
	InvokeFunctionCount               = 8
)

// CallKinds orders the result types of the Call families and, without the
// trailing Void, the field families.
var CallKinds = [10]managed.Kind{
	managed.Ref, managed.Boolean, managed.Byte, managed.Char, managed.Short,
	managed.Int, managed.Long, managed.Float, managed.Double, managed.Void,
}

// ArrayKinds orders the primitive array families.
var ArrayKinds = [8]managed.Kind{
	managed.Boolean, managed.Byte, managed.Char, managed.Short,
	managed.Int, managed.Long, managed.Float, managed.Double,
}

// Dispatch selects how a Call entry picks the method body.
type Dispatch int

const (
	Virtual Dispatch = iota
	Nonvirtual
	Static
)

// ArgForm is how a Call or NewObject entry receives its arguments.
type ArgForm int

const (
	// Variadic arguments follow the method ID in registers and on the
	// stack, with floats promoted to double.
	Variadic ArgForm = iota
	// VaList arguments come through a va_list pointer.
	VaList
	// JValues arguments come through a jvalue array.
	JValues
)

func (f ArgForm) suffix() string {
	switch f {
	case VaList:
		return "V"
	case JValues:
		return "A"
	}
	return ""
}

// CallSlot describes one entry of a Call family.
type CallSlot struct {
	Dispatch Dispatch
	Kind     managed.Kind
	Form     ArgForm
}

// CallSlotAt decodes a Call family slot index.
func CallSlotAt(i int) (CallSlot, bool) {
	var (
		base int
		d    Dispatch
	)
	switch {
	case i >= FnCallObjectMethod && i < FnCallObjectMethod+30:
		base, d = FnCallObjectMethod, Virtual
	case i >= FnCallNonvirtualObjectMethod && i < FnCallNonvirtualObjectMethod+30:
		base, d = FnCallNonvirtualObjectMethod, Nonvirtual
	case i >= FnCallStaticObjectMethod && i < FnCallStaticObjectMethod+30:
		base, d = FnCallStaticObjectMethod, Static
	default:
		return CallSlot{}, false
	}
	off := i - base
	return CallSlot{Dispatch: d, Kind: CallKinds[off/3], Form: ArgForm(off % 3)}, true
}

// FunctionNames maps JNINativeInterface slots to entry names. Slots 0-3
// are reserved and empty.
var FunctionNames [FunctionCount]string

// InvokeFunctionNames maps JNIInvokeInterface slots to entry names.
var InvokeFunctionNames = [InvokeFunctionCount]string{
	InvokeDestroyJavaVM:               "DestroyJavaVM",
	InvokeAttachCurrentThread:         "AttachCurrentThread",
	InvokeDetachCurrentThread:         "DetachCurrentThread",
	InvokeGetEnv:                      "GetEnv",
	InvokeAttachCurrentThreadAsDaemon: "AttachCurrentThreadAsDaemon",
}

func typeName(k managed.Kind) string {
	if k == managed.Ref {
		return "Object"
	}
	n := k.Name()
	return strings.ToUpper(n[:1]) + n[1:]
}

func init() {
	n := &FunctionNames
	for i, name := range []string{
		"GetVersion", "DefineClass", "FindClass", "FromReflectedMethod",
		"FromReflectedField", "ToReflectedMethod", "GetSuperclass",
		"IsAssignableFrom", "ToReflectedField", "Throw", "ThrowNew",
		"ExceptionOccurred", "ExceptionDescribe", "ExceptionClear",
		"FatalError", "PushLocalFrame", "PopLocalFrame", "NewGlobalRef",
		"DeleteGlobalRef", "DeleteLocalRef", "IsSameObject", "NewLocalRef",
		"EnsureLocalCapacity", "AllocObject", "NewObject", "NewObjectV",
		"NewObjectA", "GetObjectClass", "IsInstanceOf", "GetMethodID",
	} {
		n[FnGetVersion+i] = name
	}
	for i := FnCallObjectMethod; i < FnCallStaticObjectMethod+30; i++ {
		s, ok := CallSlotAt(i)
		if !ok {
			continue
		}
		prefix := "Call"
		switch s.Dispatch {
		case Nonvirtual:
			prefix = "CallNonvirtual"
		case Static:
			prefix = "CallStatic"
		}
		n[i] = prefix + typeName(s.Kind) + "Method" + s.Form.suffix()
	}
	n[FnGetFieldID] = "GetFieldID"
	n[FnGetStaticMethodID] = "GetStaticMethodID"
	n[FnGetStaticFieldID] = "GetStaticFieldID"
	for i, k := range CallKinds[:9] {
		n[FnGetObjectField+i] = "Get" + typeName(k) + "Field"
		n[FnSetObjectField+i] = "Set" + typeName(k) + "Field"
		n[FnGetStaticObjectField+i] = "GetStatic" + typeName(k) + "Field"
		n[FnSetStaticObjectField+i] = "SetStatic" + typeName(k) + "Field"
	}
	for i, name := range []string{
		"NewString", "GetStringLength", "GetStringChars", "ReleaseStringChars",
		"NewStringUTF", "GetStringUTFLength", "GetStringUTFChars",
		"ReleaseStringUTFChars", "GetArrayLength", "NewObjectArray",
		"GetObjectArrayElement", "SetObjectArrayElement",
	} {
		n[FnNewString+i] = name
	}
	for i, k := range ArrayKinds {
		t := typeName(k)
		n[FnNewBooleanArray+i] = "New" + t + "Array"
		n[FnGetBooleanArrayElements+i] = "Get" + t + "ArrayElements"
		n[FnReleaseBooleanArrayElements+i] = "Release" + t + "ArrayElements"
		n[FnGetBooleanArrayRegion+i] = "Get" + t + "ArrayRegion"
		n[FnSetBooleanArrayRegion+i] = "Set" + t + "ArrayRegion"
	}
	for i, name := range []string{
		"RegisterNatives", "UnregisterNatives", "MonitorEnter", "MonitorExit",
		"GetJavaVM", "GetStringRegion", "GetStringUTFRegion",
		"GetPrimitiveArrayCritical", "ReleasePrimitiveArrayCritical",
		"GetStringCritical", "ReleaseStringCritical", "NewWeakGlobalRef",
		"DeleteWeakGlobalRef", "ExceptionCheck", "NewDirectByteBuffer",
		"GetDirectBufferAddress", "GetDirectBufferCapacity", "GetObjectRefType",
	} {
		n[FnRegisterNatives+i] = name
	}
}
