package classloader

import (
	"crypto/x509"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/zboralski/jnivm/internal/config"
	"github.com/zboralski/jnivm/internal/managed"
)

// defining returns a backend that defines every name in names on first
// request and counts calls.
func defining(calls *atomic.Int32, names ...string) Backend {
	var mu sync.Mutex
	cache := map[string]*managed.Class{}
	return BackendFunc(func(l *Loader, name string) (*managed.Class, error) {
		if calls != nil {
			calls.Add(1)
		}
		mu.Lock()
		defer mu.Unlock()
		if c := cache[name]; c != nil {
			return c, nil
		}
		for _, n := range names {
			if n == name {
				c, err := l.Define(managed.NewClass(name, managed.Boot.Object, managed.Public), nil)
				if err != nil {
					return nil, err
				}
				cache[name] = c
				return c, nil
			}
		}
		return nil, managed.Throw(managed.ClassNotFoundException, name)
	})
}

func chain(t *testing.T, g *Graph, midNames, leafNames []string) (root, mid, leaf *Loader) {
	t.Helper()
	var err error
	if root, err = g.NewLoader(nil, nil, "root"); err != nil {
		t.Fatal(err)
	}
	if mid, err = g.NewLoader(root, defining(nil, midNames...), "mid"); err != nil {
		t.Fatal(err)
	}
	if leaf, err = g.NewLoader(mid, defining(nil, leafNames...), "leaf"); err != nil {
		t.Fatal(err)
	}
	return root, mid, leaf
}

func TestDelegationParentFirst(t *testing.T) {
	g := New(Options{})
	_, mid, leaf := chain(t, g, []string{"app.Shared"}, []string{"app.Shared", "app.LeafOnly"})

	c, err := leaf.LoadClass("app.Shared", false)
	if err != nil {
		t.Fatalf("LoadClass: %v", err)
	}
	if Of(c) != mid {
		t.Errorf("app.Shared defined by %v, want mid", Of(c))
	}
	if leaf.FindLoadedClass("app.Shared") != c {
		t.Error("leaf not recorded as initiating loader")
	}

	c, err = leaf.LoadClass("app.LeafOnly", false)
	if err != nil {
		t.Fatalf("LoadClass: %v", err)
	}
	if Of(c) != leaf {
		t.Errorf("app.LeafOnly defined by %v, want leaf", Of(c))
	}

	c, err = leaf.LoadClass("java.lang.String", true)
	if err != nil || c != managed.Boot.String {
		t.Errorf("bootstrap class = %v, %v", c, err)
	}

	if _, err := leaf.LoadClass("app.Missing", false); !managed.IsInstanceOf(err, managed.ClassNotFoundException) {
		t.Errorf("missing class err = %v", err)
	}
}

func TestDelegationStopsOnOtherErrors(t *testing.T) {
	g := New(Options{})
	root, _ := g.NewLoader(nil, BackendFunc(func(*Loader, string) (*managed.Class, error) {
		return nil, managed.Throw(managed.NoClassDefFoundError, "broken")
	}), "root")
	var calls atomic.Int32
	leaf, _ := g.NewLoader(root, defining(&calls, "app.X"), "leaf")
	_, err := leaf.LoadClass("app.X", false)
	if !managed.IsInstanceOf(err, managed.NoClassDefFoundError) {
		t.Errorf("err = %v, want NoClassDefFoundError", err)
	}
	if calls.Load() != 0 {
		t.Error("child backend consulted after a non-ClassNotFound failure")
	}
}

func TestInitiatingCache(t *testing.T) {
	g := New(Options{})
	var calls atomic.Int32
	l, _ := g.NewLoader(nil, defining(&calls, "app.A"), "l")
	for i := 0; i < 3; i++ {
		if _, err := l.LoadClass("app.A", false); err != nil {
			t.Fatal(err)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("backend called %d times", calls.Load())
	}
}

func TestConcurrentLoadTolerated(t *testing.T) {
	g := New(Options{})
	l, _ := g.NewLoader(nil, defining(nil, "app.Hot"), "l")
	var eg errgroup.Group
	results := make([]*managed.Class, 16)
	for i := range results {
		eg.Go(func() error {
			c, err := l.LoadClass("app.Hot", false)
			results[i] = c
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("concurrent LoadClass: %v", err)
	}
	for _, c := range results {
		if c != results[0] {
			t.Fatal("concurrent loads returned different classes")
		}
	}
}

func cert(id string) *x509.Certificate { return &x509.Certificate{Raw: []byte(id)} }

func domain(certs ...*x509.Certificate) *ProtectionDomain {
	return &ProtectionDomain{CodeSource: &CodeSource{Location: "file:/app.jar", Certificates: certs}}
}

func TestCertificateConsistency(t *testing.T) {
	g := New(Options{})
	l, _ := g.NewLoader(nil, nil, "l")
	x, y, z := cert("X"), cert("Y"), cert("Z")

	if _, err := l.Define(managed.NewClass("pkg.A", managed.Boot.Object, 0), domain(x, z)); err != nil {
		t.Fatalf("define pkg.A: %v", err)
	}
	_, err := l.Define(managed.NewClass("pkg.B", managed.Boot.Object, 0), domain(y))
	if !managed.IsInstanceOf(err, managed.SecurityException) {
		t.Errorf("mismatched signers err = %v", err)
	}
	_, err = l.Define(managed.NewClass("pkg.C", managed.Boot.Object, 0), domain(x))
	if !managed.IsInstanceOf(err, managed.SecurityException) {
		t.Errorf("subset of signers err = %v", err)
	}
	c, err := l.Define(managed.NewClass("pkg.D", managed.Boot.Object, 0), domain(cert("Z"), cert("X")))
	if err != nil {
		t.Fatalf("same signers in another order: %v", err)
	}
	if len(c.Signers) != 2 {
		t.Errorf("signers not recorded: %d", len(c.Signers))
	}
	if len(l.Domains()) != 2 {
		t.Errorf("domains = %d", len(l.Domains()))
	}
}

func TestNoCodeSourceIsEmptySet(t *testing.T) {
	g := New(Options{})
	l, _ := g.NewLoader(nil, nil, "l")
	if _, err := l.Define(managed.NewClass("u.A", managed.Boot.Object, 0), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Define(managed.NewClass("u.B", managed.Boot.Object, 0), &ProtectionDomain{}); err != nil {
		t.Errorf("nil code source after default domain: %v", err)
	}
	_, err := l.Define(managed.NewClass("u.C", managed.Boot.Object, 0), domain(cert("X")))
	if !managed.IsInstanceOf(err, managed.SecurityException) {
		t.Errorf("signed class in unsigned package err = %v", err)
	}
}

func TestNameValidation(t *testing.T) {
	tests := []struct {
		name        string
		arraySyntax bool
		wantErr     string
	}{
		{"a/b/C", false, managed.NoClassDefFoundError},
		{"[I", false, managed.NoClassDefFoundError},
		{"[Lfoo.Bar;", true, ""},
		{"java.lang.Evil", false, managed.SecurityException},
		{"javax.ok.Fine", false, ""},
	}
	for _, tt := range tests {
		g := New(Options{AllowArraySyntax: tt.arraySyntax})
		l, _ := g.NewLoader(nil, nil, "l")
		_, err := l.Define(managed.NewClass(tt.name, managed.Boot.Object, 0), nil)
		if tt.wantErr == "" {
			if err != nil {
				t.Errorf("%s: %v", tt.name, err)
			}
			continue
		}
		if !managed.IsInstanceOf(err, tt.wantErr) {
			t.Errorf("%s: err = %v, want %s", tt.name, err, tt.wantErr)
		}
	}
}

func TestDuplicateDefinition(t *testing.T) {
	g := New(Options{})
	l, _ := g.NewLoader(nil, nil, "l")
	if _, err := l.Define(managed.NewClass("d.A", managed.Boot.Object, 0), nil); err != nil {
		t.Fatal(err)
	}
	_, err := l.Define(managed.NewClass("d.A", managed.Boot.Object, 0), nil)
	if !managed.IsInstanceOf(err, managed.LinkageError) {
		t.Errorf("duplicate err = %v", err)
	}
}

type fakeDefiner struct{}

func (fakeDefiner) DefineClass(l *Loader, name string, data []byte, pd *ProtectionDomain) (*managed.Class, error) {
	if string(data) != "CAFEBABE" {
		return nil, managed.Throw(managed.ClassFormatError, "bad magic")
	}
	return managed.NewClass(name, managed.Boot.Object, managed.Public), nil
}

type fixMagic struct{}

func (fixMagic) Transform([]byte) ([]byte, error) { return []byte("CAFEBABE"), nil }

func TestDefineClassWithTransformers(t *testing.T) {
	g := New(Options{Definer: fakeDefiner{}})
	l, _ := g.NewLoader(nil, nil, "l")
	if _, err := l.DefineClass("b.Good", []byte("CAFEBABE"), nil); err != nil {
		t.Fatalf("DefineClass: %v", err)
	}
	if _, err := l.DefineClass("b.Bad", []byte("junk"), nil); !managed.IsInstanceOf(err, managed.ClassFormatError) {
		t.Errorf("bad bytes err = %v", err)
	}

	g = New(Options{Definer: fakeDefiner{}, Transformers: []Transformer{fixMagic{}}})
	l, _ = g.NewLoader(nil, nil, "l")
	if _, err := l.DefineClass("b.Fixed", []byte("junk"), nil); err != nil {
		t.Errorf("transformed define: %v", err)
	}

	g = New(Options{})
	l, _ = g.NewLoader(nil, nil, "l")
	if _, err := l.DefineClass("b.None", nil, nil); !managed.IsInstanceOf(err, managed.ClassFormatError) {
		t.Errorf("no definer err = %v", err)
	}
}

func TestPackages(t *testing.T) {
	g := New(Options{})
	root, _ := g.NewLoader(nil, nil, "root")
	child, _ := g.NewLoader(root, nil, "child")

	if _, err := root.DefinePackage(Package{Name: "com.acme", ImplVersion: "1.0"}); err != nil {
		t.Fatal(err)
	}
	if _, err := child.DefinePackage(Package{Name: "com.acme"}); !managed.IsInstanceOf(err, managed.IllegalArgumentException) {
		t.Errorf("redefinition via child err = %v", err)
	}
	p := child.GetPackage("com.acme")
	if p == nil || p.ImplVersion != "1.0" || p.Loader != root {
		t.Errorf("GetPackage = %+v", p)
	}
	if child.GetPackage("java.lang") == nil {
		t.Error("system package java.lang not visible")
	}
	if child.GetPackage("nope") != nil {
		t.Error("unknown package found")
	}
	found := false
	for _, p := range child.GetPackages() {
		if p.Name == "com.acme" {
			found = true
		}
	}
	if !found {
		t.Error("GetPackages misses parent package")
	}
}

func TestSealedPackage(t *testing.T) {
	g := New(Options{})
	l, _ := g.NewLoader(nil, nil, "l")
	if _, err := l.DefinePackage(Package{Name: "s", SealBase: "file:/sealed.jar"}); err != nil {
		t.Fatal(err)
	}
	in := &ProtectionDomain{CodeSource: &CodeSource{Location: "file:/sealed.jar"}}
	out := &ProtectionDomain{CodeSource: &CodeSource{Location: "file:/other.jar"}}
	if _, err := l.Define(managed.NewClass("s.A", managed.Boot.Object, 0), in); err != nil {
		t.Errorf("class from sealing jar: %v", err)
	}
	if _, err := l.Define(managed.NewClass("s.B", managed.Boot.Object, 0), out); !managed.IsInstanceOf(err, managed.SecurityException) {
		t.Errorf("sealing violation err = %v", err)
	}
}

type denyPolicy struct {
	AllowAll
	create, perm bool
}

func (p denyPolicy) CheckCreateClassLoader() error {
	if p.create {
		return errors.New("createClassLoader denied")
	}
	return nil
}

func (p denyPolicy) CheckPermission(name string) error {
	if p.perm {
		return errors.New(name + " denied")
	}
	return nil
}

func TestPolicyHooks(t *testing.T) {
	g := New(Options{Policy: denyPolicy{create: true}})
	if _, err := g.NewLoader(nil, nil, "x"); !managed.IsInstanceOf(err, managed.SecurityException) {
		t.Errorf("create denied err = %v", err)
	}

	g = New(Options{Policy: denyPolicy{perm: true}})
	root, mid, leaf := chain(t, g, nil, nil)
	other, _ := g.NewLoader(nil, nil, "other")

	if p, err := leaf.Parent(nil); err != nil || p != mid {
		t.Errorf("trusted caller Parent = %v, %v", p, err)
	}
	if p, err := leaf.Parent(root); err != nil || p != mid {
		t.Errorf("ancestor caller Parent = %v, %v", p, err)
	}
	if _, err := leaf.Parent(other); !managed.IsInstanceOf(err, managed.SecurityException) {
		t.Errorf("unrelated caller Parent err = %v", err)
	}
	if p, err := root.Parent(other); err != nil || p != nil {
		t.Errorf("root Parent = %v, %v", p, err)
	}
	if !leaf.IsAncestor(root) || leaf.IsAncestor(leaf) || root.IsAncestor(leaf) {
		t.Error("IsAncestor wrong")
	}
}

func TestSystemLoader(t *testing.T) {
	g := New(Options{})
	scl, err := g.InitSystemLoader()
	if err != nil || scl == nil {
		t.Fatalf("InitSystemLoader = %v, %v", scl, err)
	}
	again, _ := g.SystemLoader(nil)
	if again != scl {
		t.Error("system loader not cached")
	}
	if c, err := g.FindSystemClass("java.lang.Object"); err != nil || c != managed.Boot.Object {
		t.Errorf("FindSystemClass = %v, %v", c, err)
	}
}

func TestSystemLoaderFactory(t *testing.T) {
	g := New(Options{SystemClassLoader: "custom.Loader"})
	g.RegisterLoaderFactory("custom.Loader", func(g *Graph, parent *Loader) (*Loader, error) {
		return g.NewLoader(parent, nil, "custom")
	})
	scl, err := g.InitSystemLoader()
	if err != nil {
		t.Fatal(err)
	}
	if scl.String() != "custom" {
		t.Errorf("system loader = %v", scl)
	}
	if p, _ := scl.Parent(nil); p == nil || p.String() != "app" {
		t.Errorf("custom loader parent = %v", p)
	}

	g = New(Options{SystemClassLoader: "missing.Loader"})
	_, err = g.InitSystemLoader()
	var th *managed.Throwable
	if !errors.As(err, &th) || th.Class() != managed.Boot.Error || th.Cause == nil {
		t.Errorf("missing factory err = %v, want java.lang.Error with cause", err)
	}
}

func TestSystemLoaderRecursion(t *testing.T) {
	var g *Graph
	g = New(Options{Launcher: func(*Graph) (*Loader, error) {
		_, err := g.InitSystemLoader()
		return nil, err
	}})
	if _, err := g.InitSystemLoader(); !errors.Is(err, ErrRecursiveInit) {
		t.Errorf("recursive init err = %v", err)
	}
}

func TestLoadArraysAndPackageAccess(t *testing.T) {
	g := New(Options{})
	l, _ := g.NewLoader(nil, defining(nil, "app.Elem"), "l")
	c, err := g.Load(l, "[[Lapp.Elem;")
	if err != nil {
		t.Fatalf("Load array: %v", err)
	}
	if c.Component.Component.Name != "app.Elem" || Of(c.Component.Component) != l {
		t.Errorf("array element = %v", c.Component.Component)
	}
	if c, err := g.Load(nil, "[I"); err != nil || c.Component != managed.Boot.Primitive(managed.Int) {
		t.Errorf("Load([I) = %v, %v", c, err)
	}
}

func TestAssertionStatus(t *testing.T) {
	g := New(Options{Assertions: config.Assertions{
		Default:  false,
		Packages: map[string]bool{"com.acme": true},
		Classes:  map[string]bool{"com.acme.web.Quiet": false},
	}})
	l, _ := g.NewLoader(nil, nil, "l")
	tests := []struct {
		class string
		want  bool
	}{
		{"com.acme.Core", true},
		{"com.acme.web.Page", true},
		{"com.acme.web.Quiet", false},
		{"org.other.X", false},
		{"Toplevel", false},
	}
	for _, tt := range tests {
		if got := l.DesiredAssertionStatus(tt.class); got != tt.want {
			t.Errorf("DesiredAssertionStatus(%s) = %v, want %v", tt.class, got, tt.want)
		}
	}
	l.SetPackageAssertionStatus("com.acme.web", false)
	l.SetPackageAssertionStatus("", true)
	l.SetDefaultAssertionStatus(true)
	if l.DesiredAssertionStatus("com.acme.web.Page") {
		t.Error("more specific package directive ignored")
	}
	if !l.DesiredAssertionStatus("Toplevel") {
		t.Error("unnamed package directive ignored")
	}
	l.ClearAssertionStatus()
	if l.DesiredAssertionStatus("com.acme.Core") {
		t.Error("ClearAssertionStatus kept directives")
	}
}
