package abi

import (
	"fmt"
	"strconv"

	"github.com/zboralski/jnivm/internal/jni"
	"github.com/zboralski/jnivm/internal/managed"
	"github.com/zboralski/jnivm/internal/refs"
)

// nativeMethodSize is sizeof(JNINativeMethod): name, signature, fnPtr.
const nativeMethodSize = 24

// functionFor returns the handler of JNIEnv slot i. Arguments follow the
// C prototypes: X0 is always the JNIEnv*.
func functionFor(i int) function {
	if s, ok := jni.CallSlotAt(i); ok {
		return callMethod(s)
	}
	switch {
	case i >= jni.FnGetObjectField && i < jni.FnGetObjectField+9:
		return getField(jni.CallKinds[i-jni.FnGetObjectField], false)
	case i >= jni.FnSetObjectField && i < jni.FnSetObjectField+9:
		return setField(jni.CallKinds[i-jni.FnSetObjectField], false)
	case i >= jni.FnGetStaticObjectField && i < jni.FnGetStaticObjectField+9:
		return getField(jni.CallKinds[i-jni.FnGetStaticObjectField], true)
	case i >= jni.FnSetStaticObjectField && i < jni.FnSetStaticObjectField+9:
		return setField(jni.CallKinds[i-jni.FnSetStaticObjectField], true)
	case i >= jni.FnNewBooleanArray && i < jni.FnNewBooleanArray+8:
		return newArray(jni.ArrayKinds[i-jni.FnNewBooleanArray])
	case i >= jni.FnGetBooleanArrayElements && i < jni.FnGetBooleanArrayElements+8:
		return getElements(jni.ArrayKinds[i-jni.FnGetBooleanArrayElements])
	case i >= jni.FnReleaseBooleanArrayElements && i < jni.FnReleaseBooleanArrayElements+8:
		return releaseElements(jni.ArrayKinds[i-jni.FnReleaseBooleanArrayElements])
	case i >= jni.FnGetBooleanArrayRegion && i < jni.FnGetBooleanArrayRegion+8:
		return arrayRegion(jni.ArrayKinds[i-jni.FnGetBooleanArrayRegion], false)
	case i >= jni.FnSetBooleanArrayRegion && i < jni.FnSetBooleanArrayRegion+8:
		return arrayRegion(jni.ArrayKinds[i-jni.FnSetBooleanArrayRegion], true)
	}
	if fn, ok := functions[i]; ok {
		return fn
	}
	return reserved
}

func reserved(c *call) string {
	c.env.FatalError("call through reserved JNI slot")
	return ""
}

var functions = map[int]function{
	jni.FnGetVersion: func(c *call) string {
		v := c.env.GetVersion()
		c.ret(uint64(v))
		return "-> 0x" + strconv.FormatUint(uint64(v), 16)
	},
	jni.FnDefineClass: func(c *call) string {
		// (env, name, loader, buf, len)
		name := c.cstr(1)
		n := c.i32(4)
		if n < 0 {
			c.env.SetPending(managed.Throwf(managed.IllegalArgumentException, "negative class length %d", n))
			return name + " " + c.retHandle(0)
		}
		var data []byte
		var err error
		if n > 0 {
			data, err = c.emu.MemRead(c.x(3), uint64(n))
		}
		if err != nil {
			c.env.SetPending(managed.Throwf(managed.ClassFormatError, "cannot read %d class bytes at 0x%x: %v", n, c.x(3), err))
			return name + " " + c.retHandle(0)
		}
		return name + " " + c.retHandle(c.env.DefineClass(name, c.h(2), data))
	},
	jni.FnFindClass: func(c *call) string {
		name := c.cstr(1)
		return strconv.Quote(name) + " " + c.retHandle(c.env.FindClass(name))
	},
	jni.FnFromReflectedMethod: func(c *call) string {
		id := c.env.FromReflectedMethod(c.h(1))
		c.ret(uint64(id))
		return c.methodName(id)
	},
	jni.FnFromReflectedField: func(c *call) string {
		id := c.env.FromReflectedField(c.h(1))
		c.ret(uint64(id))
		return c.fieldName(id)
	},
	jni.FnToReflectedMethod: func(c *call) string {
		// (env, cls, methodID, isStatic)
		id := jni.MethodID(c.x(2))
		return c.methodName(id) + " " + c.retHandle(c.env.ToReflectedMethod(c.h(1), id, uint8(c.x(3)) != 0))
	},
	jni.FnGetSuperclass: func(c *call) string {
		return c.retHandle(c.env.GetSuperclass(c.h(1)))
	},
	jni.FnIsAssignableFrom: func(c *call) string {
		ok := c.env.IsAssignableFrom(c.h(1), c.h(2))
		c.retBool(ok)
		return "-> " + strconv.FormatBool(ok)
	},
	jni.FnToReflectedField: func(c *call) string {
		id := jni.FieldID(c.x(2))
		return c.fieldName(id) + " " + c.retHandle(c.env.ToReflectedField(c.h(1), id, uint8(c.x(3)) != 0))
	},
	jni.FnThrow: func(c *call) string {
		return c.retStatus(c.env.Throw(c.h(1)))
	},
	jni.FnThrowNew: func(c *call) string {
		msg := c.cstr(2)
		return strconv.Quote(msg) + " " + c.retStatus(c.env.ThrowNew(c.h(1), msg))
	},
	jni.FnExceptionOccurred: func(c *call) string {
		return c.retHandle(c.env.ExceptionOccurred())
	},
	jni.FnExceptionDescribe: func(c *call) string {
		c.env.ExceptionDescribe()
		return ""
	},
	jni.FnExceptionClear: func(c *call) string {
		c.env.ExceptionClear()
		return ""
	},
	jni.FnFatalError: func(c *call) string {
		c.env.FatalError(c.cstr(1))
		return ""
	},
	jni.FnPushLocalFrame: func(c *call) string {
		return c.retStatus(c.env.PushLocalFrame(c.i32(1)))
	},
	jni.FnPopLocalFrame: func(c *call) string {
		return c.retHandle(c.env.PopLocalFrame(c.h(1)))
	},
	jni.FnNewGlobalRef: func(c *call) string {
		return c.retHandle(c.env.NewGlobalRef(c.h(1)))
	},
	jni.FnDeleteGlobalRef: func(c *call) string {
		c.env.DeleteGlobalRef(c.h(1))
		return c.h(1).String()
	},
	jni.FnDeleteLocalRef: func(c *call) string {
		c.env.DeleteLocalRef(c.h(1))
		return c.h(1).String()
	},
	jni.FnIsSameObject: func(c *call) string {
		ok := c.env.IsSameObject(c.h(1), c.h(2))
		c.retBool(ok)
		return "-> " + strconv.FormatBool(ok)
	},
	jni.FnNewLocalRef: func(c *call) string {
		return c.retHandle(c.env.NewLocalRef(c.h(1)))
	},
	jni.FnEnsureLocalCapacity: func(c *call) string {
		return c.retStatus(c.env.EnsureLocalCapacity(c.i32(1)))
	},
	jni.FnAllocObject: func(c *call) string {
		return c.retHandle(c.env.AllocObject(c.h(1)))
	},
	jni.FnNewObject:  newObject(jni.Variadic),
	jni.FnNewObjectV: newObject(jni.VaList),
	jni.FnNewObjectA: newObject(jni.JValues),
	jni.FnGetObjectClass: func(c *call) string {
		return c.retHandle(c.env.GetObjectClass(c.h(1)))
	},
	jni.FnIsInstanceOf: func(c *call) string {
		ok := c.env.IsInstanceOf(c.h(1), c.h(2))
		c.retBool(ok)
		return "-> " + strconv.FormatBool(ok)
	},
	jni.FnGetMethodID: func(c *call) string {
		name, sig := c.cstr(2), c.cstr(3)
		id := c.env.GetMethodID(c.h(1), name, sig)
		c.ret(uint64(id))
		return fmt.Sprintf("%s%s -> %d", name, sig, id)
	},
	jni.FnGetStaticMethodID: func(c *call) string {
		name, sig := c.cstr(2), c.cstr(3)
		id := c.env.GetStaticMethodID(c.h(1), name, sig)
		c.ret(uint64(id))
		return fmt.Sprintf("%s%s -> %d", name, sig, id)
	},
	jni.FnGetFieldID: func(c *call) string {
		name, sig := c.cstr(2), c.cstr(3)
		id := c.env.GetFieldID(c.h(1), name, sig)
		c.ret(uint64(id))
		return fmt.Sprintf("%s %s -> %d", name, sig, id)
	},
	jni.FnGetStaticFieldID: func(c *call) string {
		name, sig := c.cstr(2), c.cstr(3)
		id := c.env.GetStaticFieldID(c.h(1), name, sig)
		c.ret(uint64(id))
		return fmt.Sprintf("%s %s -> %d", name, sig, id)
	},

	jni.FnNewString: func(c *call) string {
		// (env, const jchar *unicode, jsize len)
		chars, err := jni.DecodeUTF16(c.b.mem, c.x(1), int(c.i32(2)))
		if err != nil {
			c.env.SetPending(managed.Throw(managed.IllegalArgumentException, err.Error()))
			return c.retHandle(0)
		}
		return c.retHandle(c.env.NewString(chars))
	},
	jni.FnGetStringLength: func(c *call) string {
		n := c.env.GetStringLength(c.h(1))
		return c.retStatus(n)
	},
	jni.FnGetStringChars: func(c *call) string {
		addr, isCopy := c.env.GetStringChars(c.h(1))
		c.setIsCopy(2, isCopy)
		c.ret(addr)
		return "-> 0x" + strconv.FormatUint(addr, 16)
	},
	jni.FnReleaseStringChars: func(c *call) string {
		c.env.ReleaseStringChars(c.h(1), c.x(2))
		return ""
	},
	jni.FnNewStringUTF: func(c *call) string {
		if c.x(1) == 0 {
			return c.retHandle(0)
		}
		b, _ := c.emu.MemReadCString(c.x(1), maxCString)
		return truncate(string(b)) + " " + c.retHandle(c.env.NewStringUTF(b))
	},
	jni.FnGetStringUTFLength: func(c *call) string {
		return c.retStatus(c.env.GetStringUTFLength(c.h(1)))
	},
	jni.FnGetStringUTFChars: func(c *call) string {
		addr, isCopy := c.env.GetStringUTFChars(c.h(1))
		c.setIsCopy(2, isCopy)
		c.ret(addr)
		s, _ := c.emu.MemReadString(addr, 64)
		return truncate(s)
	},
	jni.FnReleaseStringUTFChars: func(c *call) string {
		c.env.ReleaseStringUTFChars(c.h(1), c.x(2))
		return ""
	},
	jni.FnGetArrayLength: func(c *call) string {
		return c.retStatus(c.env.GetArrayLength(c.h(1)))
	},
	jni.FnNewObjectArray: func(c *call) string {
		// (env, jsize length, jclass elementClass, jobject initialElement)
		return c.retHandle(c.env.NewObjectArray(c.i32(1), c.h(2), c.h(3)))
	},
	jni.FnGetObjectArrayElement: func(c *call) string {
		return c.retHandle(c.env.GetObjectArrayElement(c.h(1), c.i32(2)))
	},
	jni.FnSetObjectArrayElement: func(c *call) string {
		c.env.SetObjectArrayElement(c.h(1), c.i32(2), c.h(3))
		return ""
	},

	jni.FnRegisterNatives: registerNatives,
	jni.FnUnregisterNatives: func(c *call) string {
		return c.retStatus(c.env.UnregisterNatives(c.h(1)))
	},
	jni.FnMonitorEnter: func(c *call) string {
		return c.retStatus(c.env.MonitorEnter(c.h(1)))
	},
	jni.FnMonitorExit: func(c *call) string {
		return c.retStatus(c.env.MonitorExit(c.h(1)))
	},
	jni.FnGetJavaVM: func(c *call) string {
		if err := c.emu.MemWriteU64(c.x(1), c.b.JavaVM()); err != nil {
			return c.retStatus(jni.ERR)
		}
		return c.retStatus(jni.OK)
	},
	jni.FnGetStringRegion: func(c *call) string {
		c.env.GetStringRegion(c.h(1), c.i32(2), c.i32(3), c.x(4))
		return ""
	},
	jni.FnGetStringUTFRegion: func(c *call) string {
		c.env.GetStringUTFRegion(c.h(1), c.i32(2), c.i32(3), c.x(4))
		return ""
	},
	jni.FnGetPrimitiveArrayCritical: func(c *call) string {
		addr, isCopy := c.env.GetPrimitiveArrayCritical(c.h(1))
		c.setIsCopy(2, isCopy)
		c.ret(addr)
		return "-> 0x" + strconv.FormatUint(addr, 16)
	},
	jni.FnReleasePrimitiveArrayCritical: func(c *call) string {
		c.env.ReleasePrimitiveArrayCritical(c.h(1), c.x(2), c.i32(3))
		return ""
	},
	jni.FnGetStringCritical: func(c *call) string {
		addr, isCopy := c.env.GetStringCritical(c.h(1))
		c.setIsCopy(2, isCopy)
		c.ret(addr)
		return "-> 0x" + strconv.FormatUint(addr, 16)
	},
	jni.FnReleaseStringCritical: func(c *call) string {
		c.env.ReleaseStringCritical(c.h(1), c.x(2))
		return ""
	},
	jni.FnNewWeakGlobalRef: func(c *call) string {
		return c.retHandle(c.env.NewWeakGlobalRef(c.h(1)))
	},
	jni.FnDeleteWeakGlobalRef: func(c *call) string {
		c.env.DeleteWeakGlobalRef(c.h(1))
		return ""
	},
	jni.FnExceptionCheck: func(c *call) string {
		ok := c.env.ExceptionCheck()
		c.retBool(ok)
		return "-> " + strconv.FormatBool(ok)
	},
	jni.FnNewDirectByteBuffer: func(c *call) string {
		return c.retHandle(c.env.NewDirectByteBuffer(c.x(1), int64(c.x(2))))
	},
	jni.FnGetDirectBufferAddress: func(c *call) string {
		addr := c.env.GetDirectBufferAddress(c.h(1))
		c.ret(addr)
		return "-> 0x" + strconv.FormatUint(addr, 16)
	},
	jni.FnGetDirectBufferCapacity: func(c *call) string {
		n := c.env.GetDirectBufferCapacity(c.h(1))
		c.ret(uint64(n))
		return "-> " + strconv.FormatInt(n, 10)
	},
	jni.FnGetObjectRefType: func(c *call) string {
		t := c.env.GetObjectRefType(c.h(1))
		c.ret(uint64(t))
		return "-> " + t.String()
	},
}

func (c *call) methodName(id jni.MethodID) string {
	if m := c.env.VM().Method(id); m != nil {
		return m.String()
	}
	return "method#" + strconv.FormatUint(uint64(id), 10)
}

func (c *call) fieldName(id jni.FieldID) string {
	if f := c.env.VM().Field(id); f != nil {
		return f.String()
	}
	return "field#" + strconv.FormatUint(uint64(id), 10)
}

func (c *call) params(id jni.MethodID) []managed.Type {
	if m := c.env.VM().Method(id); m != nil {
		return m.Type.Params
	}
	return nil
}

// callMethod handles one Call<T>Method{,V,A} entry:
//
//	Call:           (env, obj, methodID, ...)
//	CallNonvirtual: (env, obj, clazz, methodID, ...)
//	CallStatic:     (env, clazz, methodID, ...)
func callMethod(s jni.CallSlot) function {
	return func(c *call) string {
		var obj, cls refs.Handle
		idReg := 2
		switch s.Dispatch {
		case jni.Virtual:
			obj = c.h(1)
		case jni.Nonvirtual:
			obj, cls = c.h(1), c.h(2)
			idReg = 3
		case jni.Static:
			cls = c.h(1)
		}
		id := jni.MethodID(c.x(idReg))
		var args []managed.Value
		if params := c.params(id); params != nil {
			args = c.args(s.Form, idReg+1, params)
		}
		v := c.env.CallMethod(s.Dispatch, s.Kind, obj, cls, id, args)
		return c.methodName(id) + " " + c.retValue(v)
	}
}

// newObject handles NewObject{,V,A}: (env, clazz, methodID, ...).
func newObject(form jni.ArgForm) function {
	return func(c *call) string {
		id := jni.MethodID(c.x(2))
		var args []managed.Value
		if params := c.params(id); params != nil {
			args = c.args(form, 3, params)
		}
		return c.methodName(id) + " " + c.retHandle(c.env.NewObject(c.h(1), id, args))
	}
}

// getField handles Get[Static]<T>Field: (env, obj|clazz, fieldID).
func getField(k managed.Kind, static bool) function {
	return func(c *call) string {
		id := jni.FieldID(c.x(2))
		var v managed.Value
		if static {
			v = c.env.GetStaticField(k, c.h(1), id)
		} else {
			v = c.env.GetField(k, c.h(1), id)
		}
		return c.fieldName(id) + " " + c.retValue(v)
	}
}

// setField handles Set[Static]<T>Field: (env, obj|clazz, fieldID, value).
func setField(k managed.Kind, static bool) function {
	return func(c *call) string {
		id := jni.FieldID(c.x(2))
		v := c.valueArg(k, 3)
		if static {
			c.env.SetStaticField(c.h(1), id, v)
		} else {
			c.env.SetField(c.h(1), id, v)
		}
		return c.fieldName(id) + " = " + v.String()
	}
}

// newArray handles New<P>Array: (env, jsize length).
func newArray(k managed.Kind) function {
	return func(c *call) string {
		return c.retHandle(c.env.NewPrimitiveArray(k, c.i32(1)))
	}
}

// getElements handles Get<P>ArrayElements: (env, array, jboolean *isCopy).
func getElements(k managed.Kind) function {
	return func(c *call) string {
		addr, isCopy := c.env.GetArrayElements(k, c.h(1))
		c.setIsCopy(2, isCopy)
		c.ret(addr)
		return "-> 0x" + strconv.FormatUint(addr, 16)
	}
}

// releaseElements handles Release<P>ArrayElements: (env, array, elems, mode).
func releaseElements(k managed.Kind) function {
	return func(c *call) string {
		c.env.ReleaseArrayElements(k, c.h(1), c.x(2), c.i32(3))
		return "mode=" + strconv.Itoa(int(c.i32(3)))
	}
}

// arrayRegion handles Get/Set<P>ArrayRegion: (env, array, start, len, buf).
func arrayRegion(k managed.Kind, set bool) function {
	return func(c *call) string {
		start, n := c.i32(2), c.i32(3)
		if set {
			c.env.SetArrayRegion(k, c.h(1), start, n, c.x(4))
		} else {
			c.env.GetArrayRegion(k, c.h(1), start, n, c.x(4))
		}
		return fmt.Sprintf("[%d:%d]", start, start+n)
	}
}

// registerNatives handles RegisterNatives: (env, clazz, const
// JNINativeMethod *methods, jint nMethods).
func registerNatives(c *call) string {
	n := int(c.i32(3))
	if n < 0 {
		c.env.SetPending(managed.Throwf(managed.IllegalArgumentException, "negative method count %d", n))
		return fmt.Sprintf("%d methods ", n) + c.retStatus(jni.ERR)
	}
	base := c.x(2)
	methods := make([]jni.NativeMethod, 0, min(n, 256))
	for i := 0; i < n; i++ {
		m, err := c.nativeMethod(base + uint64(i*nativeMethodSize))
		if err != nil {
			c.env.SetPending(managed.Throwf(managed.IllegalArgumentException,
				"bad JNINativeMethod %d at 0x%x: %v", i, base+uint64(i*nativeMethodSize), err))
			return fmt.Sprintf("%d methods ", n) + c.retStatus(jni.ERR)
		}
		methods = append(methods, m)
		c.b.trace("jni", "RegisterNatives", fmt.Sprintf("%s%s -> 0x%x", m.Name, m.Sig, m.Entry))
	}
	return fmt.Sprintf("%d methods ", n) + c.retStatus(c.env.RegisterNatives(c.h(1), methods))
}

// nativeMethod reads one JNINativeMethod {name, signature, fnPtr}.
func (c *call) nativeMethod(at uint64) (jni.NativeMethod, error) {
	var ptrs [3]uint64
	for i := range ptrs {
		p, err := c.emu.MemReadU64(at + uint64(i*8))
		if err != nil {
			return jni.NativeMethod{}, err
		}
		ptrs[i] = p
	}
	name, err := c.emu.MemReadString(ptrs[0], maxCString)
	if err != nil {
		return jni.NativeMethod{}, fmt.Errorf("name: %w", err)
	}
	sig, err := c.emu.MemReadString(ptrs[1], maxCString)
	if err != nil {
		return jni.NativeMethod{}, fmt.Errorf("signature: %w", err)
	}
	return jni.NativeMethod{Name: name, Sig: sig, Entry: ptrs[2]}, nil
}

func truncate(s string) string {
	if len(s) > 40 {
		s = s[:40] + "..."
	}
	return strconv.Quote(s)
}
