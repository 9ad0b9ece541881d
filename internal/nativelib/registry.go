// Package nativelib tracks the native libraries loaded by each class
// loader, runs their JNI_OnLoad and JNI_OnUnload hooks and resolves native
// method symbols.
package nativelib

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/zboralski/jnivm/internal/classloader"
	"github.com/zboralski/jnivm/internal/config"
	"github.com/zboralski/jnivm/internal/log"
	"github.com/zboralski/jnivm/internal/managed"
)

// Hook symbols looked up after a library is opened.
const (
	OnLoadSymbol   = "JNI_OnLoad"
	OnUnloadSymbol = "JNI_OnUnload"
)

// Handle is an opaque platform library handle.
type Handle uint64

// Platform opens libraries and calls into them. The emulator backs it in
// the CLI; tests use fakes.
type Platform interface {
	Open(path string) (Handle, error)
	Sym(h Handle, name string) (uint64, bool)
	Close(h Handle) error
	// CallOnLoad calls JNI_OnLoad(vm, NULL) at entry on th and returns the
	// JNI version it reports.
	CallOnLoad(th Thread, h Handle, entry uint64) (int32, error)
	CallOnUnload(th Thread, h Handle, entry uint64) error
}

// Thread is the environment a load runs on.
type Thread interface {
	ThreadID() managed.ThreadID
	// InFrame runs fn inside a fresh local frame whose caller loader is
	// loader.
	InFrame(loader *classloader.Loader, fn func() error) error
}

// VersionError reports a JNI_OnLoad result that is not a supported JNI
// version. It is not a managed exception.
type VersionError struct {
	Library string
	Version int32
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("nativelib: %s requires unsupported JNI version 0x%x", e.Library, uint32(e.Version))
}

// Library is one loaded native library.
type Library struct {
	// Name is the file name used for the process-wide uniqueness check.
	Name      string
	Path      string
	Loader    *classloader.Loader
	FromClass *managed.Class
	Handle    Handle
	// Version is what JNI_OnLoad returned, Version1_1 without a hook.
	Version int32
}

// Options configures a Registry.
type Options struct {
	Platform Platform
	// UserPaths and SystemPaths are searched in that order by LoadLibrary.
	UserPaths   []string
	SystemPaths []string
	// Exists reports whether a candidate path exists. Defaults to os.Stat.
	Exists func(path string) bool
	Logger *log.Logger
}

// Registry holds every loaded library, keyed by loader and by name.
type Registry struct {
	platform Platform
	usrPaths []string
	sysPaths []string
	exists   func(string) bool
	log      *log.Logger

	lock *reentrantLock
	// All fields below are guarded by lock.
	byLoader map[*classloader.Loader][]*Library
	names    map[string]*Library
	context  []*Library
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		platform: opts.Platform,
		usrPaths: opts.UserPaths,
		sysPaths: opts.SystemPaths,
		exists:   opts.Exists,
		log:      opts.Logger,
		lock:     newReentrantLock(),
		byLoader: make(map[*classloader.Loader][]*Library),
		names:    make(map[string]*Library),
	}
	if r.exists == nil {
		r.exists = func(p string) bool {
			fi, err := os.Stat(p)
			return err == nil && !fi.IsDir()
		}
	}
	if r.log == nil {
		r.log = log.Get()
	}
	r.log = r.log.WithCategory("nativelib")
	return r
}

// Load loads the library at path on behalf of loader (nil for the
// bootstrap loader). fromClass may be nil.
//
// A library already held by loader is a success without a second
// JNI_OnLoad. A name held by another loader, or being loaded by another
// loader further up the current load stack, fails with
// UnsatisfiedLinkError. A name being loaded by the same loader, which
// happens when its JNI_OnLoad loads it again, succeeds.
func (r *Registry) Load(th Thread, loader *classloader.Loader, fromClass *managed.Class, path string) (*Library, error) {
	tid := th.ThreadID()
	r.lock.Lock(tid)
	defer r.lock.Unlock(tid)

	name := filepath.Base(path)
	for _, lib := range r.byLoader[loader] {
		if lib.Name == name {
			return lib, nil
		}
	}
	if _, ok := r.names[name]; ok {
		return nil, managed.Throwf(managed.UnsatisfiedLinkError,
			"Native Library %s already loaded in another classloader", name)
	}
	for _, lib := range r.context {
		if lib.Name != name {
			continue
		}
		if lib.Loader == loader {
			return lib, nil
		}
		return nil, managed.Throwf(managed.UnsatisfiedLinkError,
			"Native Library %s is being loaded in another classloader", name)
	}

	if r.platform == nil {
		return nil, managed.Throw(managed.UnsatisfiedLinkError, "no native platform: "+path)
	}
	h, err := r.platform.Open(path)
	if err != nil {
		return nil, managed.Throwf(managed.UnsatisfiedLinkError, "%s: %v", path, err)
	}
	lib := &Library{
		Name:      name,
		Path:      path,
		Loader:    loader,
		FromClass: fromClass,
		Handle:    h,
		Version:   config.Version1_1,
	}

	if entry, ok := r.platform.Sym(h, OnLoadSymbol); ok {
		r.context = append(r.context, lib)
		err = th.InFrame(loader, func() error {
			v, err := r.platform.CallOnLoad(th, h, entry)
			lib.Version = v
			return err
		})
		r.context = r.context[:len(r.context)-1]
		if err == nil && !config.SupportedVersion(lib.Version) {
			err = &VersionError{Library: name, Version: lib.Version}
		}
		if err != nil {
			if cerr := r.platform.Close(h); cerr != nil {
				r.log.Warn("close after failed load", log.Lib(name), zap.Error(cerr))
			}
			return nil, err
		}
	}

	r.names[name] = lib
	r.byLoader[loader] = append(r.byLoader[loader], lib)
	r.log.Debug("loaded library",
		log.Lib(name),
		zap.String("path", path),
		zap.Stringer("loader", loader),
		zap.String("version", log.Hex(uint64(uint32(lib.Version)))),
	)
	return lib, nil
}

// MapLibraryName returns the platform file name of libname.
func MapLibraryName(libname string) string {
	return "lib" + libname + ".so"
}

// LoadLibrary resolves libname through the loader's LibraryFinder, then
// the user paths, then the system paths, and loads the first match.
func (r *Registry) LoadLibrary(th Thread, loader *classloader.Loader, fromClass *managed.Class, libname string) (*Library, error) {
	if loader != nil {
		if f, ok := loader.Backend().(classloader.LibraryFinder); ok {
			if p := f.FindLibrary(libname); p != "" {
				return r.Load(th, loader, fromClass, p)
			}
		}
	}
	file := MapLibraryName(libname)
	for _, dirs := range [][]string{r.usrPaths, r.sysPaths} {
		for _, dir := range dirs {
			p := filepath.Join(dir, file)
			if r.exists(p) {
				return r.Load(th, loader, fromClass, p)
			}
		}
	}
	return nil, managed.Throwf(managed.UnsatisfiedLinkError, "no %s in java.library.path", libname)
}

// Unload runs the JNI_OnUnload hook of the named library held by loader,
// closes it and forgets it.
func (r *Registry) Unload(th Thread, loader *classloader.Loader, name string) error {
	tid := th.ThreadID()
	r.lock.Lock(tid)
	defer r.lock.Unlock(tid)

	libs := r.byLoader[loader]
	for i, lib := range libs {
		if lib.Name != name {
			continue
		}
		r.byLoader[loader] = append(libs[:i:i], libs[i+1:]...)
		if len(r.byLoader[loader]) == 0 {
			delete(r.byLoader, loader)
		}
		return r.unload(th, lib)
	}
	return managed.Throwf(managed.UnsatisfiedLinkError, "Native Library %s not loaded by %s", name, loader)
}

// UnloadAll unloads every library held by loader, newest first, and
// returns the combined errors.
func (r *Registry) UnloadAll(th Thread, loader *classloader.Loader) error {
	tid := th.ThreadID()
	r.lock.Lock(tid)
	defer r.lock.Unlock(tid)

	libs := r.byLoader[loader]
	delete(r.byLoader, loader)
	var errs []error
	for i := len(libs) - 1; i >= 0; i-- {
		if err := r.unload(th, libs[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) unload(th Thread, lib *Library) error {
	delete(r.names, lib.Name)
	var hookErr error
	if entry, ok := r.platform.Sym(lib.Handle, OnUnloadSymbol); ok {
		r.context = append(r.context, lib)
		hookErr = th.InFrame(lib.Loader, func() error {
			return r.platform.CallOnUnload(th, lib.Handle, entry)
		})
		r.context = r.context[:len(r.context)-1]
	}
	closeErr := r.platform.Close(lib.Handle)
	r.log.Debug("unloaded library", log.Lib(lib.Name), zap.Stringer("loader", lib.Loader))
	if hookErr != nil {
		return fmt.Errorf("nativelib: %s: JNI_OnUnload: %w", lib.Name, hookErr)
	}
	if closeErr != nil {
		return fmt.Errorf("nativelib: close %s: %w", lib.Name, closeErr)
	}
	return nil
}

// Current returns the library whose JNI_OnLoad or JNI_OnUnload is
// running on top of the load stack, or nil.
func (r *Registry) Current(th Thread) *Library {
	tid := th.ThreadID()
	r.lock.Lock(tid)
	defer r.lock.Unlock(tid)
	if n := len(r.context); n > 0 {
		return r.context[n-1]
	}
	return nil
}

// Libraries returns the libraries held by loader in load order.
func (r *Registry) Libraries(th Thread, loader *classloader.Loader) []*Library {
	tid := th.ThreadID()
	r.lock.Lock(tid)
	defer r.lock.Unlock(tid)
	return append([]*Library(nil), r.byLoader[loader]...)
}

// Find returns the address of symbol in the first of loader's libraries
// that exports it.
func (r *Registry) Find(th Thread, loader *classloader.Loader, symbol string) (uint64, bool) {
	tid := th.ThreadID()
	r.lock.Lock(tid)
	defer r.lock.Unlock(tid)
	for _, lib := range r.byLoader[loader] {
		if addr, ok := r.platform.Sym(lib.Handle, symbol); ok && addr != 0 {
			return addr, true
		}
	}
	return 0, false
}

// FindNative resolves the implementation of a native method, probing the
// short symbol before the long one.
func (r *Registry) FindNative(th Thread, loader *classloader.Loader, class, method, sig string) (uint64, bool) {
	if addr, ok := r.Find(th, loader, ShortName(class, method)); ok {
		return addr, true
	}
	return r.Find(th, loader, LongName(class, method, sig))
}
