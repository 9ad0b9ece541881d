// Package classloader implements the delegating class loader hierarchy:
// parent-first resolution, class definition checks (names, signers,
// sealing), packages, assertion status and the system loader.
package classloader

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/zboralski/jnivm/internal/config"
	"github.com/zboralski/jnivm/internal/log"
	"github.com/zboralski/jnivm/internal/managed"
)

// ErrRecursiveInit reports a re-entrant system loader initialization. It
// means the bootstrap sequence is broken and is not recoverable.
var ErrRecursiveInit = errors.New("classloader: recursive invocation of system class loader initialization")

// Policy is the security manager hook. The graph calls through it and
// treats any returned error as a SecurityException.
type Policy interface {
	CheckCreateClassLoader() error
	// CheckPermission is asked for "getClassLoader" when a caller reaches
	// a loader outside its own delegation chain.
	CheckPermission(name string) error
	CheckPackageAccess(pkg string) error
}

// AllowAll is a Policy that permits everything.
type AllowAll struct{}

func (AllowAll) CheckCreateClassLoader() error   { return nil }
func (AllowAll) CheckPermission(string) error    { return nil }
func (AllowAll) CheckPackageAccess(string) error { return nil }

// GetClassLoaderPermission is the permission checked by Parent and
// SystemLoader.
const GetClassLoaderPermission = "getClassLoader"

// Definer turns class bytes into a class. It is the type system's
// entry point and is only consulted by DefineClass.
type Definer interface {
	DefineClass(l *Loader, name string, data []byte, pd *ProtectionDomain) (*managed.Class, error)
}

// Transformer rewrites class bytes that failed to define with a
// ClassFormatError. Transformers are tried in order until one produces a
// definable class.
type Transformer interface {
	Transform(data []byte) ([]byte, error)
}

// LoaderFactory builds a custom system loader on top of the default
// application loader.
type LoaderFactory func(g *Graph, parent *Loader) (*Loader, error)

// Options configures a Graph.
type Options struct {
	// Boot resolves classes for the bootstrap loader. Defaults to
	// managed.Boot.
	Boot managed.Resolver
	// BootResources locates resources for the bootstrap loader. Nil means
	// the bootstrap loader serves none.
	BootResources ResourceFinder
	Policy        Policy
	Definer       Definer
	// Transformers are tried when Definer reports a ClassFormatError.
	Transformers []Transformer
	// AllowArraySyntax permits class names starting with '['.
	AllowArraySyntax bool
	// Launcher builds the application loader. Defaults to a loader with
	// no backend whose parent is the bootstrap loader.
	Launcher func(g *Graph) (*Loader, error)
	// SystemClassLoader names a factory registered with
	// RegisterLoaderFactory that replaces the application loader.
	SystemClassLoader string
	Assertions        config.Assertions
	Logger            *log.Logger
}

// Graph owns the bootstrap side of class loading and the system loader.
type Graph struct {
	boot         managed.Resolver
	bootRes      ResourceFinder
	policy       Policy
	definer      Definer
	transformers []Transformer
	arraySyntax  bool
	launcher     func(g *Graph) (*Loader, error)
	sysName      string
	assertions   config.Assertions
	log          *log.Logger

	sysPkgMu sync.Mutex
	sysPkgs  map[string]*Package

	factoryMu sync.Mutex
	factories map[string]LoaderFactory

	sclMu   sync.Mutex
	scl     *Loader
	sclSet  bool
	sclBusy bool
}

// New creates a loader graph.
func New(opts Options) *Graph {
	g := &Graph{
		boot:         opts.Boot,
		bootRes:      opts.BootResources,
		policy:       opts.Policy,
		definer:      opts.Definer,
		transformers: opts.Transformers,
		arraySyntax:  opts.AllowArraySyntax,
		launcher:     opts.Launcher,
		sysName:      opts.SystemClassLoader,
		assertions:   opts.Assertions,
		log:          opts.Logger,
		sysPkgs:      make(map[string]*Package),
		factories:    make(map[string]LoaderFactory),
	}
	if g.boot == nil {
		g.boot = managed.Boot
	}
	if g.policy == nil {
		g.policy = AllowAll{}
	}
	if g.log == nil {
		g.log = log.Get()
	}
	g.log = g.log.WithCategory("classloader")
	if b, ok := g.boot.(*managed.BootClasses); ok {
		for _, name := range b.Names() {
			if i := strings.LastIndexByte(name, '.'); i > 0 && !strings.HasPrefix(name, "[") {
				g.DefineSystemPackage(name[:i])
			}
		}
	}
	return g
}

// Policy returns the security policy hook.
func (g *Graph) Policy() Policy { return g.policy }

// RegisterLoaderFactory makes a custom system loader available under name.
func (g *Graph) RegisterLoaderFactory(name string, f LoaderFactory) {
	g.factoryMu.Lock()
	defer g.factoryMu.Unlock()
	g.factories[name] = f
}

// FindBootstrapClass resolves name through the bootstrap resolver.
func (g *Graph) FindBootstrapClass(name string) (*managed.Class, error) {
	if !g.checkName(name) {
		return nil, managed.Throw(managed.ClassNotFoundException, name)
	}
	return g.boot.ResolveClass(name)
}

// Load resolves name on behalf of l, nil meaning the bootstrap loader.
// Array names are resolved through their element type. This is the entry
// the runtime uses, so package access is checked for non-bootstrap
// loaders.
func (g *Graph) Load(l *Loader, name string) (*managed.Class, error) {
	if strings.HasPrefix(name, "[") {
		return managed.ResolveArray(name, func(elem string) (*managed.Class, error) {
			return g.Load(l, elem)
		})
	}
	if l == nil {
		return g.FindBootstrapClass(name)
	}
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		if err := g.policy.CheckPackageAccess(name[:i]); err != nil {
			return nil, securityException(err)
		}
	}
	return l.LoadClass(name, false)
}

func (g *Graph) checkName(name string) bool {
	if name == "" {
		return true
	}
	if strings.ContainsRune(name, '/') {
		return false
	}
	if !g.arraySyntax && name[0] == '[' {
		return false
	}
	return true
}

// InitSystemLoader builds the system loader once. A second call while the
// first is still running returns ErrRecursiveInit.
func (g *Graph) InitSystemLoader() (*Loader, error) {
	g.sclMu.Lock()
	if g.sclSet {
		defer g.sclMu.Unlock()
		return g.scl, nil
	}
	if g.sclBusy {
		g.sclMu.Unlock()
		return nil, ErrRecursiveInit
	}
	g.sclBusy = true
	g.sclMu.Unlock()

	scl, err := g.buildSystemLoader()

	g.sclMu.Lock()
	defer g.sclMu.Unlock()
	g.sclBusy = false
	if err != nil {
		return nil, err
	}
	g.scl = scl
	g.sclSet = true
	g.log.Debug("system class loader ready", zap.Stringer("loader", scl))
	return scl, nil
}

func (g *Graph) buildSystemLoader() (*Loader, error) {
	var (
		app *Loader
		err error
	)
	if g.launcher != nil {
		app, err = g.launcher(g)
	} else {
		app, err = g.newLoader(nil, nil, "app", false)
	}
	if err != nil {
		return nil, asError(err)
	}
	if g.sysName == "" {
		return app, nil
	}
	g.factoryMu.Lock()
	f := g.factories[g.sysName]
	g.factoryMu.Unlock()
	if f == nil {
		return nil, asError(managed.Throw(managed.ClassNotFoundException, g.sysName))
	}
	sys, err := f(g, app)
	if err != nil {
		return nil, asError(err)
	}
	return sys, nil
}

// asError keeps Errors as they are and wraps anything else in
// java.lang.Error, the way a failed system loader action is reported.
func asError(err error) error {
	if errors.Is(err, ErrRecursiveInit) {
		return err
	}
	t := managed.AsThrowable(err)
	if t.Class().IsSubclassOf(managed.Boot.Error) {
		return t
	}
	wrapped := managed.NewThrowable(managed.Boot.Error, t.Error())
	wrapped.Cause = t
	return wrapped
}

// SystemLoader returns the system loader for caller, nil meaning a
// bootstrap caller. Callers outside the system loader's chain need the
// getClassLoader permission.
func (g *Graph) SystemLoader(caller *Loader) (*Loader, error) {
	scl, err := g.InitSystemLoader()
	if err != nil || scl == nil {
		return scl, err
	}
	if caller != nil && caller != scl && !scl.IsAncestor(caller) {
		if err := g.policy.CheckPermission(GetClassLoaderPermission); err != nil {
			return nil, securityException(err)
		}
	}
	return scl, nil
}

// FindSystemClass loads name through the system loader, or the bootstrap
// resolver when there is none.
func (g *Graph) FindSystemClass(name string) (*managed.Class, error) {
	scl, err := g.InitSystemLoader()
	if err != nil {
		return nil, err
	}
	if scl == nil {
		return g.FindBootstrapClass(name)
	}
	return scl.LoadClass(name, false)
}

// DefineSystemPackage records a package served by the bootstrap loader.
func (g *Graph) DefineSystemPackage(name string) *Package {
	g.sysPkgMu.Lock()
	defer g.sysPkgMu.Unlock()
	if p := g.sysPkgs[name]; p != nil {
		return p
	}
	p := &Package{Name: name}
	g.sysPkgs[name] = p
	return p
}

// SystemPackage returns a bootstrap package or nil.
func (g *Graph) SystemPackage(name string) *Package {
	g.sysPkgMu.Lock()
	defer g.sysPkgMu.Unlock()
	return g.sysPkgs[name]
}

// SystemPackages returns every bootstrap package sorted by name.
func (g *Graph) SystemPackages() []*Package {
	g.sysPkgMu.Lock()
	defer g.sysPkgMu.Unlock()
	out := make([]*Package, 0, len(g.sysPkgs))
	for _, p := range g.sysPkgs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func securityException(err error) error {
	var t *managed.Throwable
	if errors.As(err, &t) && t.Class().IsSubclassOf(managed.Boot.Lookup(managed.SecurityException)) {
		return t
	}
	return managed.Throw(managed.SecurityException, err.Error())
}

// Of returns the loader that defined c, nil for the bootstrap loader.
func Of(c *managed.Class) *Loader {
	if c == nil {
		return nil
	}
	l, _ := c.Loader.(*Loader)
	return l
}
