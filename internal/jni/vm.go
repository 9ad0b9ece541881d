// Package jni implements the JNI bridge: the process-wide VM, one Env per
// attached thread, and every JNINativeInterface operation expressed on
// reference handles and managed values. The native calling convention
// lives in internal/abi.
package jni

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zboralski/jnivm/internal/classloader"
	"github.com/zboralski/jnivm/internal/config"
	"github.com/zboralski/jnivm/internal/log"
	"github.com/zboralski/jnivm/internal/managed"
	"github.com/zboralski/jnivm/internal/nativelib"
	"github.com/zboralski/jnivm/internal/nativemem"
	"github.com/zboralski/jnivm/internal/refs"
)

// InitArgs configures CreateJavaVM.
type InitArgs struct {
	// Version is the JNI version the caller expects.
	Version int32
	// ThreadID identifies the creating thread, which is attached.
	ThreadID managed.ThreadID
	Config   *config.Config

	Boot         managed.Resolver
	Policy       classloader.Policy
	Definer      classloader.Definer
	Transformers []classloader.Transformer
	// Factories are custom system loaders selectable through
	// Config.Loader.SystemClassLoader.
	Factories map[string]classloader.LoaderFactory

	Platform nativelib.Platform
	Natives  NativeCaller
	// Memory backs every native buffer. Defaults to a nativemem.Heap.
	Memory nativemem.Allocator

	Logger *log.Logger
	// Exit is called after a fatal error. Defaults to DefaultExit.
	Exit func(code int)
}

// VM is the process-wide bridge state.
type VM struct {
	ID uuid.UUID

	cfg     *config.Config
	graph   *classloader.Graph
	libs    *nativelib.Registry
	mem     nativemem.Allocator
	natives NativeCaller
	log     *log.Logger
	exit    func(int)

	globals refs.GlobalTable
	weaks   refs.WeakTable
	ids     memberTable

	mu        sync.Mutex
	detached  *sync.Cond
	envs      map[managed.ThreadID]*Env
	destroyed bool
}

var (
	vmMu    sync.Mutex
	current *VM
)

// CreateJavaVM creates the VM and attaches the calling thread. Only one
// VM may exist at a time: a second call returns EEXIST, and an unsupported
// version returns EVERSION.
func CreateJavaVM(args InitArgs) (*VM, *Env, int32) {
	if !config.SupportedVersion(args.Version) {
		return nil, nil, EVERSION
	}
	vmMu.Lock()
	defer vmMu.Unlock()
	if current != nil {
		return nil, nil, EEXIST
	}

	cfg := args.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		log.Get().Error("invalid configuration", zap.Error(err))
		return nil, nil, EINVAL
	}
	logger := args.Logger
	if logger == nil {
		logger = log.Get()
	}
	vm := &VM{
		ID:      uuid.New(),
		cfg:     cfg,
		mem:     args.Memory,
		natives: args.Natives,
		exit:    args.Exit,
		envs:    make(map[managed.ThreadID]*Env),
	}
	vm.log = logger.WithCategory("jni").With(zap.String("vm", vm.ID.String()[:8]))
	vm.detached = sync.NewCond(&vm.mu)
	if vm.mem == nil {
		vm.mem = nativemem.NewHeap(0)
	}
	if vm.exit == nil {
		vm.exit = DefaultExit
	}
	vm.graph = classloader.New(classloader.Options{
		Boot:              args.Boot,
		Policy:            args.Policy,
		Definer:           args.Definer,
		Transformers:      args.Transformers,
		AllowArraySyntax:  cfg.Loader.AllowArraySyntax,
		SystemClassLoader: cfg.Loader.SystemClassLoader,
		Assertions:        cfg.Assertions,
		Logger:            logger,
	})
	for name, f := range args.Factories {
		vm.graph.RegisterLoaderFactory(name, f)
	}
	if _, err := vm.graph.InitSystemLoader(); err != nil {
		if errors.Is(err, classloader.ErrRecursiveInit) {
			vm.fatal(err.Error())
		}
		vm.log.Error("system class loader", zap.Error(err))
		return nil, nil, ERR
	}
	vm.libs = nativelib.NewRegistry(nativelib.Options{
		Platform:    args.Platform,
		UserPaths:   cfg.UserPaths(),
		SystemPaths: cfg.SystemPaths(),
		Logger:      logger,
	})

	env := vm.newEnv(args.ThreadID, "main", false)
	vm.envs[args.ThreadID] = env
	current = vm
	vm.log.Info("created java vm",
		zap.String("version", log.Hex(uint64(uint32(cfg.JNI.Version)))),
		zap.Uint64("thread", uint64(args.ThreadID)),
	)
	return vm, env, OK
}

// GetCreatedJavaVMs returns the VM, if one exists.
func GetCreatedJavaVMs() []*VM {
	vmMu.Lock()
	defer vmMu.Unlock()
	if current == nil {
		return nil
	}
	return []*VM{current}
}

// Config returns the VM configuration.
func (vm *VM) Config() *config.Config { return vm.cfg }

// Version is the JNI version reported by GetVersion.
func (vm *VM) Version() int32 { return vm.cfg.JNI.Version }

// Graph returns the class loader graph.
func (vm *VM) Graph() *classloader.Graph { return vm.graph }

// Libraries returns the native library registry.
func (vm *VM) Libraries() *nativelib.Registry { return vm.libs }

// Memory returns the allocator backing native buffers.
func (vm *VM) Memory() nativemem.Allocator { return vm.mem }

// Logger returns the VM logger.
func (vm *VM) Logger() *log.Logger { return vm.log }

// SetNatives installs the native method caller. The emulator sets it once
// its tables are in place.
func (vm *VM) SetNatives(c NativeCaller) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.natives = c
}

func (vm *VM) nativeCaller() NativeCaller {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.natives
}

// AttachArgs are the optional arguments of AttachCurrentThread.
type AttachArgs struct {
	Version int32
	Name    string
}

// AttachCurrentThread binds an Env to tid, returning the existing one if
// tid is already attached.
func (vm *VM) AttachCurrentThread(tid managed.ThreadID, args *AttachArgs) (*Env, int32) {
	return vm.attach(tid, args, false)
}

// AttachCurrentThreadAsDaemon is AttachCurrentThread for a thread
// DestroyJavaVM does not wait for.
func (vm *VM) AttachCurrentThreadAsDaemon(tid managed.ThreadID, args *AttachArgs) (*Env, int32) {
	return vm.attach(tid, args, true)
}

func (vm *VM) attach(tid managed.ThreadID, args *AttachArgs, daemon bool) (*Env, int32) {
	name := fmt.Sprintf("Thread-%d", tid)
	if args != nil {
		if args.Version != 0 && !config.SupportedVersion(args.Version) {
			return nil, EVERSION
		}
		if args.Name != "" {
			name = args.Name
		}
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.destroyed {
		return nil, ERR
	}
	if env := vm.envs[tid]; env != nil {
		return env, OK
	}
	env := vm.newEnv(tid, name, daemon)
	vm.envs[tid] = env
	vm.log.Debug("attached thread", zap.Uint64("thread", uint64(tid)), zap.String("name", name), zap.Bool("daemon", daemon))
	return env, OK
}

// GetEnv returns the Env of tid.
func (vm *VM) GetEnv(tid managed.ThreadID, version int32) (*Env, int32) {
	vm.mu.Lock()
	env := vm.envs[tid]
	vm.mu.Unlock()
	if env == nil {
		return nil, EDETACHED
	}
	if !config.SupportedVersion(version) {
		return nil, EVERSION
	}
	return env, OK
}

// DetachCurrentThread unbinds tid. Detaching an unattached thread
// succeeds; detaching while native frames are still open fails.
func (vm *VM) DetachCurrentThread(tid managed.ThreadID) int32 {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	env := vm.envs[tid]
	if env == nil {
		return OK
	}
	if env.inNative > 0 {
		return ERR
	}
	env.release()
	delete(vm.envs, tid)
	vm.detached.Broadcast()
	vm.log.Debug("detached thread", zap.Uint64("thread", uint64(tid)))
	return OK
}

// Envs returns the attached environments.
func (vm *VM) Envs() []*Env {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	out := make([]*Env, 0, len(vm.envs))
	for _, e := range vm.envs {
		out = append(out, e)
	}
	return out
}

// DestroyJavaVM detaches tid, waits until only daemon threads remain
// attached and releases the VM so another can be created.
func (vm *VM) DestroyJavaVM(tid managed.ThreadID) int32 {
	vm.mu.Lock()
	if vm.destroyed {
		vm.mu.Unlock()
		return ERR
	}
	if env := vm.envs[tid]; env != nil {
		env.release()
		delete(vm.envs, tid)
	}
	for vm.nonDaemonLocked() > 0 {
		vm.detached.Wait()
	}
	vm.destroyed = true
	vm.mu.Unlock()

	vmMu.Lock()
	if current == vm {
		current = nil
	}
	vmMu.Unlock()
	vm.log.Info("destroyed java vm")
	return OK
}

func (vm *VM) nonDaemonLocked() int {
	n := 0
	for _, e := range vm.envs {
		if !e.daemon {
			n++
		}
	}
	return n
}
