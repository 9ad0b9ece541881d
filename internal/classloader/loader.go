package classloader

import (
	"crypto/x509"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zboralski/jnivm/internal/managed"
)

// Backend is the local resolution hook of a loader: the only place a
// custom loader injects behavior. It is consulted after delegation fails.
// Implementations usually build the class and pass it to l.Define or
// l.DefineClass.
type Backend interface {
	FindClass(l *Loader, name string) (*managed.Class, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(l *Loader, name string) (*managed.Class, error)

func (f BackendFunc) FindClass(l *Loader, name string) (*managed.Class, error) { return f(l, name) }

// LibraryFinder is an optional Backend extension that maps a library name
// to an absolute path before the configured search paths are tried.
type LibraryFinder interface {
	FindLibrary(libname string) string
}

// CodeSource is where a class came from and who signed it.
type CodeSource struct {
	Location     string
	Certificates []*x509.Certificate
}

// ProtectionDomain groups classes with the same code source.
type ProtectionDomain struct {
	CodeSource *CodeSource
	Loader     *Loader
}

// Loader is one node of the delegation graph. It is a managed object of
// class java.lang.ClassLoader so native code can hold handles to it.
type Loader struct {
	managed.Instance

	ID      uuid.UUID
	name    string
	graph   *Graph
	parent  *Loader
	backend Backend

	mu            sync.Mutex
	loaded        map[string]*managed.Class
	defined       map[string]*managed.Class
	pkgCerts      map[string][]*x509.Certificate
	domains       map[*ProtectionDomain]struct{}
	defaultDomain *ProtectionDomain

	pkgMu    sync.Mutex
	packages map[string]*Package

	assertMu      sync.Mutex
	assertInit    bool
	defaultAssert bool
	pkgAssert     map[string]bool
	classAssert   map[string]bool
}

// NewLoader creates a loader with the given parent (nil for the bootstrap
// loader) and local resolution backend (nil to resolve only through
// delegation and explicit definitions). The policy may refuse creation.
func (g *Graph) NewLoader(parent *Loader, backend Backend, name string) (*Loader, error) {
	return g.newLoader(parent, backend, name, true)
}

func (g *Graph) newLoader(parent *Loader, backend Backend, name string, check bool) (*Loader, error) {
	if check {
		if err := g.policy.CheckCreateClassLoader(); err != nil {
			return nil, securityException(err)
		}
	}
	l := &Loader{
		ID:       uuid.New(),
		name:     name,
		graph:    g,
		parent:   parent,
		backend:  backend,
		loaded:   make(map[string]*managed.Class),
		defined:  make(map[string]*managed.Class),
		pkgCerts: make(map[string][]*x509.Certificate),
		domains:  make(map[*ProtectionDomain]struct{}),
		packages: make(map[string]*Package),
	}
	managed.InitInstance(l, &l.Instance, managed.Boot.ClassLoader)
	g.log.Debug("new loader", zap.Stringer("loader", l), zap.Stringer("parent", parent))
	return l, nil
}

func (l *Loader) String() string {
	if l == nil {
		return "bootstrap"
	}
	if l.name != "" {
		return l.name
	}
	return "loader-" + l.ID.String()[:8]
}

// Graph returns the graph l belongs to.
func (l *Loader) Graph() *Graph { return l.graph }

// Backend returns the local resolution hook, possibly nil.
func (l *Loader) Backend() Backend { return l.backend }

// LoadClass resolves name: the initiating-load cache first, then the
// parent (or the bootstrap resolver), then the backend if delegation
// reported ClassNotFoundException. Any other failure propagates. The
// per-loader lock covers the caches only, so concurrent requests for the
// same name may both reach the backend.
func (l *Loader) LoadClass(name string, resolve bool) (*managed.Class, error) {
	c := l.FindLoadedClass(name)
	if c == nil {
		var err error
		if l.parent != nil {
			c, err = l.parent.LoadClass(name, false)
		} else {
			c, err = l.graph.FindBootstrapClass(name)
		}
		if err != nil {
			if !managed.IsInstanceOf(err, managed.ClassNotFoundException) {
				return nil, err
			}
			c, err = l.findClass(name)
			if err != nil {
				return nil, err
			}
		}
		l.recordInitiating(name, c)
	}
	if resolve {
		l.ResolveClass(c)
	}
	return c, nil
}

func (l *Loader) findClass(name string) (*managed.Class, error) {
	if l.backend == nil {
		return nil, managed.Throw(managed.ClassNotFoundException, name)
	}
	c, err := l.backend.FindClass(l, name)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, managed.Throw(managed.ClassNotFoundException, name)
	}
	l.graph.log.Debug("found class", zap.Stringer("loader", l), zap.String("class", name))
	return c, nil
}

func (l *Loader) recordInitiating(name string, c *managed.Class) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.loaded[name]; !ok {
		l.loaded[name] = c
	}
}

// FindLoadedClass returns the class l is recorded as an initiating loader
// for, or nil.
func (l *Loader) FindLoadedClass(name string) *managed.Class {
	if !l.graph.checkName(name) {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded[name]
}

// ResolveClass links c.
func (l *Loader) ResolveClass(c *managed.Class) {
	c.Link()
}

// FindSystemClass loads name through the system loader.
func (l *Loader) FindSystemClass(name string) (*managed.Class, error) {
	return l.graph.FindSystemClass(name)
}

// Parent returns l's parent. Callers whose loader is not an ancestor of l
// need the getClassLoader permission; a nil caller is trusted.
func (l *Loader) Parent(caller *Loader) (*Loader, error) {
	if l.parent == nil {
		return nil, nil
	}
	if caller != nil && !l.IsAncestor(caller) {
		if err := l.graph.policy.CheckPermission(GetClassLoaderPermission); err != nil {
			return nil, securityException(err)
		}
	}
	return l.parent, nil
}

// IsAncestor reports whether candidate appears in l's delegation chain
// above l.
func (l *Loader) IsAncestor(candidate *Loader) bool {
	for a := l.parent; a != nil; a = a.parent {
		if a == candidate {
			return true
		}
	}
	return false
}

// DefineClass converts class bytes through the graph's Definer and
// registers the result. name may be empty when unknown.
func (l *Loader) DefineClass(name string, data []byte, pd *ProtectionDomain) (*managed.Class, error) {
	pd, err := l.preDefine(name, pd)
	if err != nil {
		return nil, err
	}
	if l.graph.definer == nil {
		return nil, managed.Throw(managed.ClassFormatError, "no class definer configured")
	}
	c, err := l.graph.definer.DefineClass(l, name, data, pd)
	if err != nil && managed.IsInstanceOf(err, managed.ClassFormatError) {
		c, err = l.defineTransformed(name, data, pd, err)
	}
	if err != nil {
		return nil, err
	}
	if name == "" {
		// Unknown up front; the certificate check runs on the real name.
		if _, err := l.preDefine(c.Name, pd); err != nil {
			return nil, err
		}
	}
	if err := l.postDefine(name, c, pd); err != nil {
		return nil, err
	}
	return c, nil
}

func (l *Loader) defineTransformed(name string, data []byte, pd *ProtectionDomain, cfe error) (*managed.Class, error) {
	for _, t := range l.graph.transformers {
		tb, err := t.Transform(data)
		if err != nil {
			continue
		}
		c, err := l.graph.definer.DefineClass(l, name, tb, pd)
		if err == nil {
			return c, nil
		}
	}
	return nil, cfe
}

// Define registers a class built by the type system directly, applying
// the same checks as DefineClass.
func (l *Loader) Define(c *managed.Class, pd *ProtectionDomain) (*managed.Class, error) {
	pd, err := l.preDefine(c.Name, pd)
	if err != nil {
		return nil, err
	}
	if err := l.postDefine(c.Name, c, pd); err != nil {
		return nil, err
	}
	return c, nil
}

// preDefine validates the name, picks the protection domain and checks the
// signers against the rest of the package.
func (l *Loader) preDefine(name string, pd *ProtectionDomain) (*ProtectionDomain, error) {
	if !l.graph.checkName(name) {
		return nil, managed.Throw(managed.NoClassDefFoundError, "IllegalName: "+name)
	}
	if strings.HasPrefix(name, "java.") {
		return nil, managed.Throw(managed.SecurityException, "Prohibited package name: "+packageOf(name))
	}
	if pd == nil {
		pd = l.DefaultDomain()
	}
	if name != "" {
		if err := l.checkCerts(name, pd.CodeSource); err != nil {
			return nil, err
		}
	}
	return pd, nil
}

func (l *Loader) postDefine(name string, c *managed.Class, pd *ProtectionDomain) error {
	if name != "" && c.Name != name {
		return managed.Throwf(managed.NoClassDefFoundError, "%s (wrong name: %s)", name, c.Name)
	}
	if err := l.checkSealing(c, pd); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.defined[c.Name]; dup {
		return managed.Throwf(managed.LinkageError,
			"loader %s attempted duplicate class definition for name: %q", l, c.Name)
	}
	c.Loader = l
	if pd.CodeSource != nil && pd.CodeSource.Certificates != nil {
		c.Signers = append([]*x509.Certificate(nil), pd.CodeSource.Certificates...)
	}
	l.defined[c.Name] = c
	l.loaded[c.Name] = c
	l.domains[pd] = struct{}{}
	l.graph.log.Debug("defined class", zap.Stringer("loader", l), zap.String("class", c.Name))
	return nil
}

// DefaultDomain returns the domain used when a definition supplies none:
// an empty code source with no certificates.
func (l *Loader) DefaultDomain() *ProtectionDomain {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.defaultDomain == nil {
		l.defaultDomain = &ProtectionDomain{CodeSource: &CodeSource{}, Loader: l}
	}
	return l.defaultDomain
}

// Domains returns the protection domains of classes l has defined.
func (l *Loader) Domains() []*ProtectionDomain {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*ProtectionDomain, 0, len(l.domains))
	for pd := range l.domains {
		out = append(out, pd)
	}
	return out
}

// DefinedClasses returns the number of classes l has defined.
func (l *Loader) DefinedClasses() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.defined)
}

// checkCerts makes the first class of a package fix the package's
// certificate set; later classes must present the same set. A nil code
// source counts as no certificates.
func (l *Loader) checkCerts(name string, cs *CodeSource) error {
	pkg := packageOf(name)
	var certs []*x509.Certificate
	if cs != nil {
		certs = cs.Certificates
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	pcerts, ok := l.pkgCerts[pkg]
	if !ok {
		if certs == nil {
			certs = []*x509.Certificate{}
		}
		l.pkgCerts[pkg] = certs
		return nil
	}
	if !compareCerts(pcerts, certs) {
		return managed.Throw(managed.SecurityException, fmt.Sprintf(
			"class %q's signer information does not match signer information of other classes in the same package", name))
	}
	return nil
}

// compareCerts reports whether both sets have the same size and each
// contains every member of the other.
func compareCerts(pcerts, certs []*x509.Certificate) bool {
	if len(certs) == 0 {
		return len(pcerts) == 0
	}
	if len(certs) != len(pcerts) {
		return false
	}
	return containsAll(pcerts, certs) && containsAll(certs, pcerts)
}

func containsAll(set, members []*x509.Certificate) bool {
	for _, m := range members {
		found := false
		for _, s := range set {
			if m.Equal(s) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func packageOf(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return ""
}
