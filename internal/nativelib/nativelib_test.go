package nativelib

import (
	"errors"
	"sync"
	"testing"

	"github.com/zboralski/jnivm/internal/classloader"
	"github.com/zboralski/jnivm/internal/config"
	"github.com/zboralski/jnivm/internal/managed"
)

type fakeLib struct {
	syms     map[string]uint64
	onLoad   func() (int32, error)
	onUnload func() error
}

type fakePlatform struct {
	mu      sync.Mutex
	libs    map[string]*fakeLib
	open    map[Handle]*fakeLib
	next    Handle
	loads   map[string]int
	unloads map[string]int
	closed  int
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		libs:    make(map[string]*fakeLib),
		open:    make(map[Handle]*fakeLib),
		loads:   make(map[string]int),
		unloads: make(map[string]int),
	}
}

func (p *fakePlatform) add(path string, lib *fakeLib) {
	if lib.syms == nil {
		lib.syms = map[string]uint64{}
	}
	if lib.onLoad != nil {
		lib.syms[OnLoadSymbol] = 0x1000
	}
	if lib.onUnload != nil {
		lib.syms[OnUnloadSymbol] = 0x2000
	}
	p.libs[path] = lib
}

func (p *fakePlatform) Open(path string) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	lib := p.libs[path]
	if lib == nil {
		return 0, errors.New("no such file")
	}
	p.next++
	p.open[p.next] = lib
	return p.next, nil
}

func (p *fakePlatform) Sym(h Handle, name string) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	lib := p.open[h]
	if lib == nil {
		return 0, false
	}
	addr, ok := lib.syms[name]
	return addr, ok
}

func (p *fakePlatform) Close(h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.open, h)
	p.closed++
	return nil
}

func (p *fakePlatform) lib(h Handle) *fakeLib {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open[h]
}

func (p *fakePlatform) CallOnLoad(_ Thread, h Handle, entry uint64) (int32, error) {
	lib := p.lib(h)
	p.mu.Lock()
	for path, l := range p.libs {
		if l == lib {
			p.loads[path]++
		}
	}
	p.mu.Unlock()
	return lib.onLoad()
}

func (p *fakePlatform) CallOnUnload(_ Thread, h Handle, entry uint64) error {
	lib := p.lib(h)
	p.mu.Lock()
	for path, l := range p.libs {
		if l == lib {
			p.unloads[path]++
		}
	}
	p.mu.Unlock()
	return lib.onUnload()
}

type fakeThread struct {
	id      managed.ThreadID
	loaders []*classloader.Loader
}

func (t *fakeThread) ThreadID() managed.ThreadID { return t.id }

func (t *fakeThread) InFrame(loader *classloader.Loader, fn func() error) error {
	t.loaders = append(t.loaders, loader)
	return fn()
}

func loaders(t *testing.T) (a, b *classloader.Loader) {
	t.Helper()
	g := classloader.New(classloader.Options{})
	a, err := g.NewLoader(nil, nil, "a")
	if err != nil {
		t.Fatal(err)
	}
	b, err = g.NewLoader(nil, nil, "b")
	if err != nil {
		t.Fatal(err)
	}
	return a, b
}

func version16() (int32, error) { return config.Version1_6, nil }

func TestLoadSameLoaderTwice(t *testing.T) {
	p := newFakePlatform()
	p.add("/lib/libfoo.so", &fakeLib{onLoad: version16})
	r := NewRegistry(Options{Platform: p})
	a, b := loaders(t)
	th := &fakeThread{id: 1}

	lib1, err := r.Load(th, a, nil, "/lib/libfoo.so")
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	lib2, err := r.Load(th, a, nil, "/lib/libfoo.so")
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if lib1 != lib2 {
		t.Error("second load returned a different record")
	}
	if p.loads["/lib/libfoo.so"] != 1 {
		t.Errorf("JNI_OnLoad ran %d times", p.loads["/lib/libfoo.so"])
	}
	if len(th.loaders) != 1 || th.loaders[0] != a {
		t.Errorf("JNI_OnLoad frame loaders = %v", th.loaders)
	}
	if lib1.Version != config.Version1_6 {
		t.Errorf("version = %#x", lib1.Version)
	}

	_, err = r.Load(th, b, nil, "/lib/libfoo.so")
	if !managed.IsInstanceOf(err, managed.UnsatisfiedLinkError) {
		t.Fatalf("cross-loader load err = %v", err)
	}
	if got := managed.AsThrowable(err).Message; got != "Native Library libfoo.so already loaded in another classloader" {
		t.Errorf("message = %q", got)
	}
}

func TestReentrantLoadFromOnLoad(t *testing.T) {
	p := newFakePlatform()
	r := NewRegistry(Options{Platform: p})
	a, b := loaders(t)
	th := &fakeThread{id: 7}

	var sameErr, otherErr, depErr error
	p.add("/lib/libdep.so", &fakeLib{onLoad: version16})
	p.add("/lib/libself.so", &fakeLib{onLoad: func() (int32, error) {
		if r.Current(th).Name != "libself.so" {
			t.Error("Current is not the loading library")
		}
		_, sameErr = r.Load(th, a, nil, "/lib/libself.so")
		_, otherErr = r.Load(th, b, nil, "/lib/libself.so")
		_, depErr = r.Load(th, a, nil, "/lib/libdep.so")
		return config.Version1_8, nil
	}})

	if _, err := r.Load(th, a, nil, "/lib/libself.so"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if sameErr != nil {
		t.Errorf("same-loader reentry: %v", sameErr)
	}
	if !managed.IsInstanceOf(otherErr, managed.UnsatisfiedLinkError) ||
		managed.AsThrowable(otherErr).Message != "Native Library libself.so is being loaded in another classloader" {
		t.Errorf("other-loader reentry err = %v", otherErr)
	}
	if depErr != nil {
		t.Errorf("nested dependency load: %v", depErr)
	}
	if n := len(r.Libraries(th, a)); n != 2 {
		t.Errorf("loader a holds %d libraries", n)
	}
	if r.Current(th) != nil {
		t.Error("load stack not unwound")
	}
}

func TestLoadSerializedAcrossThreads(t *testing.T) {
	p := newFakePlatform()
	r := NewRegistry(Options{Platform: p})
	a, _ := loaders(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	p.add("/lib/libslow.so", &fakeLib{onLoad: func() (int32, error) {
		close(entered)
		<-release
		return config.Version1_6, nil
	}})
	p.add("/lib/libfast.so", &fakeLib{})

	done := make(chan error, 1)
	go func() {
		_, err := r.Load(&fakeThread{id: 1}, a, nil, "/lib/libslow.so")
		done <- err
	}()
	<-entered

	second := make(chan error, 1)
	go func() {
		_, err := r.Load(&fakeThread{id: 2}, a, nil, "/lib/libfast.so")
		second <- err
	}()
	select {
	case <-second:
		t.Fatal("second thread loaded while the first held the library lock")
	default:
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if err := <-second; err != nil {
		t.Fatal(err)
	}
}

func TestUnsupportedVersion(t *testing.T) {
	p := newFakePlatform()
	p.add("/lib/libold.so", &fakeLib{onLoad: func() (int32, error) { return 0x00010003, nil }})
	r := NewRegistry(Options{Platform: p})
	a, _ := loaders(t)
	th := &fakeThread{id: 1}

	_, err := r.Load(th, a, nil, "/lib/libold.so")
	var ve *VersionError
	if !errors.As(err, &ve) || ve.Version != 0x00010003 {
		t.Fatalf("err = %v, want VersionError", err)
	}
	if managed.IsInstanceOf(err, managed.ThrowableName) {
		t.Error("version failure reported as a managed exception")
	}
	if p.closed != 1 {
		t.Error("library left open after version failure")
	}
	if len(r.Libraries(th, a)) != 0 {
		t.Error("library registered after version failure")
	}
}

func TestNoOnLoadDefaultsToVersion11(t *testing.T) {
	p := newFakePlatform()
	p.add("/lib/libplain.so", &fakeLib{})
	r := NewRegistry(Options{Platform: p})
	lib, err := r.Load(&fakeThread{id: 1}, nil, nil, "/lib/libplain.so")
	if err != nil {
		t.Fatal(err)
	}
	if lib.Version != config.Version1_1 {
		t.Errorf("version = %#x", lib.Version)
	}
}

func TestUnloadAllowsOtherLoader(t *testing.T) {
	p := newFakePlatform()
	p.add("/lib/libfoo.so", &fakeLib{onLoad: version16, onUnload: func() error { return nil }})
	r := NewRegistry(Options{Platform: p})
	a, b := loaders(t)
	th := &fakeThread{id: 1}

	if _, err := r.Load(th, a, nil, "/lib/libfoo.so"); err != nil {
		t.Fatal(err)
	}
	if err := r.Unload(th, a, "libfoo.so"); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if p.unloads["/lib/libfoo.so"] != 1 {
		t.Error("JNI_OnUnload not called")
	}
	if _, err := r.Load(th, b, nil, "/lib/libfoo.so"); err != nil {
		t.Errorf("load by other loader after unload: %v", err)
	}
	if err := r.Unload(th, a, "libfoo.so"); !managed.IsInstanceOf(err, managed.UnsatisfiedLinkError) {
		t.Errorf("second unload err = %v", err)
	}
	if err := r.UnloadAll(th, b); err != nil {
		t.Errorf("UnloadAll: %v", err)
	}
	if p.unloads["/lib/libfoo.so"] != 2 {
		t.Errorf("unloads = %d", p.unloads["/lib/libfoo.so"])
	}
}

type finderBackend struct{ path string }

func (finderBackend) FindClass(l *classloader.Loader, name string) (*managed.Class, error) {
	return nil, managed.Throw(managed.ClassNotFoundException, name)
}

func (f finderBackend) FindLibrary(string) string { return f.path }

func TestLoadLibrarySearch(t *testing.T) {
	p := newFakePlatform()
	p.add("/usr/app/libjni.so", &fakeLib{})
	p.add("/system/lib/libjni.so", &fakeLib{})
	p.add("/custom/libjni.so", &fakeLib{})
	exists := func(path string) bool { _, ok := p.libs[path]; return ok }
	r := NewRegistry(Options{
		Platform:    p,
		UserPaths:   []string{"/usr/missing", "/usr/app"},
		SystemPaths: []string{"/system/lib"},
		Exists:      exists,
	})
	th := &fakeThread{id: 1}

	lib, err := r.LoadLibrary(th, nil, nil, "jni")
	if err != nil {
		t.Fatal(err)
	}
	if lib.Path != "/usr/app/libjni.so" {
		t.Errorf("path = %s", lib.Path)
	}
	if _, err := r.LoadLibrary(th, nil, nil, "nope"); !managed.IsInstanceOf(err, managed.UnsatisfiedLinkError) {
		t.Errorf("missing library err = %v", err)
	}

	g := classloader.New(classloader.Options{})
	l, _ := g.NewLoader(nil, finderBackend{path: "/custom/libjni.so"}, "custom")
	r2 := NewRegistry(Options{Platform: p, Exists: exists})
	lib, err = r2.LoadLibrary(th, l, nil, "jni")
	if err != nil || lib.Path != "/custom/libjni.so" {
		t.Errorf("finder load = %v, %v", lib, err)
	}
}

func TestFindNative(t *testing.T) {
	p := newFakePlatform()
	p.add("/lib/liba.so", &fakeLib{syms: map[string]uint64{
		"Java_a_b_C_foo__I": 0x4000,
	}})
	p.add("/lib/libb.so", &fakeLib{syms: map[string]uint64{
		"Java_a_b_C_bar": 0x5000,
	}})
	r := NewRegistry(Options{Platform: p})
	a, _ := loaders(t)
	th := &fakeThread{id: 1}
	for _, path := range []string{"/lib/liba.so", "/lib/libb.so"} {
		if _, err := r.Load(th, a, nil, path); err != nil {
			t.Fatal(err)
		}
	}
	if addr, ok := r.FindNative(th, a, "a.b.C", "foo", "(I)V"); !ok || addr != 0x4000 {
		t.Errorf("foo = %#x, %v", addr, ok)
	}
	if addr, ok := r.FindNative(th, a, "a.b.C", "bar", "()V"); !ok || addr != 0x5000 {
		t.Errorf("bar = %#x, %v", addr, ok)
	}
	if _, ok := r.FindNative(th, nil, "a.b.C", "bar", "()V"); ok {
		t.Error("found a symbol in another loader's library")
	}
}

func TestMangle(t *testing.T) {
	tests := []struct {
		class, method, sig string
		short, long        string
	}{
		{"a.b.C", "foo", "(I)V", "Java_a_b_C_foo", "Java_a_b_C_foo__I"},
		{"a.b.C", "my_method", "()V", "Java_a_b_C_my_1method", "Java_a_b_C_my_1method__"},
		{"p/Q", "m", "(Ljava/lang/String;[I)V", "Java_p_Q_m", "Java_p_Q_m__Ljava_lang_String_2_3I"},
		{"p.Café", "x", "()V", "Java_p_Caf_000e9_x", "Java_p_Caf_000e9_x__"},
	}
	for _, tt := range tests {
		if got := ShortName(tt.class, tt.method); got != tt.short {
			t.Errorf("ShortName(%s, %s) = %s, want %s", tt.class, tt.method, got, tt.short)
		}
		if got := LongName(tt.class, tt.method, tt.sig); got != tt.long {
			t.Errorf("LongName(%s, %s, %s) = %s, want %s", tt.class, tt.method, tt.sig, got, tt.long)
		}
	}
}

func TestUnmangle(t *testing.T) {
	tests := []struct {
		in   string
		want Symbol
	}{
		{"Java_a_b_C_foo", Symbol{Class: "a.b.C", Method: "foo"}},
		{"Java_a_b_C_foo__I", Symbol{Class: "a.b.C", Method: "foo", Params: "(I)"}},
		{"Java_a_b_C_my_1method", Symbol{Class: "a.b.C", Method: "my_method"}},
		{"Java_p_Q_m__Ljava_lang_String_2_3I", Symbol{Class: "p.Q", Method: "m", Params: "(Ljava/lang/String;[I)"}},
		{"Java_p_Caf_000e9_x", Symbol{Class: "p.Café", Method: "x"}},
	}
	for _, tt := range tests {
		got, err := Unmangle(tt.in)
		if err != nil {
			t.Errorf("Unmangle(%s): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Unmangle(%s) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
	for _, bad := range []string{"foo", "Java_Cls", "Java_a_0zz", "Java_a_b_"} {
		if _, err := Unmangle(bad); err == nil {
			t.Errorf("Unmangle(%s) succeeded", bad)
		}
	}
}
