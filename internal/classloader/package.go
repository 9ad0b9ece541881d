package classloader

import (
	"sort"

	"github.com/zboralski/jnivm/internal/managed"
)

// Package is the metadata of a runtime package.
type Package struct {
	Name        string
	SpecTitle   string
	SpecVersion string
	SpecVendor  string
	ImplTitle   string
	ImplVersion string
	ImplVendor  string
	// SealBase is the code source location the package is sealed to, ""
	// when unsealed.
	SealBase string
	Loader   *Loader
}

// IsSealed reports whether the package is sealed.
func (p *Package) IsSealed() bool { return p.SealBase != "" }

// IsSealedBy reports whether the package is sealed to location.
func (p *Package) IsSealedBy(location string) bool {
	return p.SealBase != "" && p.SealBase == location
}

// DefinePackage defines a package in l. Redefining a package visible to l
// fails with IllegalArgumentException.
func (l *Loader) DefinePackage(p Package) (*Package, error) {
	l.pkgMu.Lock()
	defer l.pkgMu.Unlock()
	if l.getPackageLocked(p.Name) != nil {
		return nil, managed.Throw(managed.IllegalArgumentException, p.Name)
	}
	pkg := p
	pkg.Loader = l
	l.packages[p.Name] = &pkg
	return &pkg, nil
}

// GetPackage returns the package visible to l: its own, then its
// parent's, then the bootstrap packages. Packages found upstream are
// cached in l.
func (l *Loader) GetPackage(name string) *Package {
	l.pkgMu.Lock()
	defer l.pkgMu.Unlock()
	return l.getPackageLocked(name)
}

func (l *Loader) getPackageLocked(name string) *Package {
	if p := l.packages[name]; p != nil {
		return p
	}
	var p *Package
	if l.parent != nil {
		p = l.parent.GetPackage(name)
	} else {
		p = l.graph.SystemPackage(name)
	}
	if p != nil {
		l.packages[name] = p
	}
	return p
}

// GetPackages returns every package visible to l sorted by name; l's own
// definitions shadow upstream ones.
func (l *Loader) GetPackages() []*Package {
	l.pkgMu.Lock()
	m := make(map[string]*Package, len(l.packages))
	for k, v := range l.packages {
		m[k] = v
	}
	l.pkgMu.Unlock()

	var upstream []*Package
	if l.parent != nil {
		upstream = l.parent.GetPackages()
	} else {
		upstream = l.graph.SystemPackages()
	}
	for _, p := range upstream {
		if _, ok := m[p.Name]; !ok {
			m[p.Name] = p
		}
	}
	out := make([]*Package, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// checkSealing rejects a class whose package is sealed to a different code
// source.
func (l *Loader) checkSealing(c *managed.Class, pd *ProtectionDomain) error {
	name := c.PackageName()
	if name == "" {
		return nil
	}
	p := l.GetPackage(name)
	if p == nil || !p.IsSealed() {
		return nil
	}
	location := ""
	if pd != nil && pd.CodeSource != nil {
		location = pd.CodeSource.Location
	}
	if !p.IsSealedBy(location) {
		return managed.Throwf(managed.SecurityException, "sealing violation: package %s is sealed", name)
	}
	return nil
}
