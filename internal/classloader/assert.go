package classloader

import "strings"

// initAssertions seeds the status maps from the configured directives the
// first time l's assertion state is touched.
func (l *Loader) initAssertions() {
	if l.assertInit {
		return
	}
	l.assertInit = true
	d := l.graph.assertions
	l.defaultAssert = d.Default
	l.pkgAssert = make(map[string]bool, len(d.Packages))
	for k, v := range d.Packages {
		l.pkgAssert[k] = v
	}
	l.classAssert = make(map[string]bool, len(d.Classes))
	for k, v := range d.Classes {
		l.classAssert[k] = v
	}
}

// SetDefaultAssertionStatus sets the status for classes with no more
// specific directive.
func (l *Loader) SetDefaultAssertionStatus(enabled bool) {
	l.assertMu.Lock()
	defer l.assertMu.Unlock()
	l.initAssertions()
	l.defaultAssert = enabled
}

// SetPackageAssertionStatus sets the status for a package and its
// subpackages. The empty name is the unnamed package.
func (l *Loader) SetPackageAssertionStatus(pkg string, enabled bool) {
	l.assertMu.Lock()
	defer l.assertMu.Unlock()
	l.initAssertions()
	l.pkgAssert[pkg] = enabled
}

// SetClassAssertionStatus sets the status for one top-level class.
func (l *Loader) SetClassAssertionStatus(class string, enabled bool) {
	l.assertMu.Lock()
	defer l.assertMu.Unlock()
	l.initAssertions()
	l.classAssert[class] = enabled
}

// ClearAssertionStatus drops every directive and disables the default.
func (l *Loader) ClearAssertionStatus() {
	l.assertMu.Lock()
	defer l.assertMu.Unlock()
	l.assertInit = true
	l.classAssert = make(map[string]bool)
	l.pkgAssert = make(map[string]bool)
	l.defaultAssert = false
}

// DesiredAssertionStatus returns the status a class would be initialized
// with: a class entry wins, then the most specific package, then the
// default.
func (l *Loader) DesiredAssertionStatus(class string) bool {
	l.assertMu.Lock()
	defer l.assertMu.Unlock()
	l.initAssertions()
	if v, ok := l.classAssert[class]; ok {
		return v
	}
	dot := strings.LastIndexByte(class, '.')
	if dot < 0 {
		if v, ok := l.pkgAssert[""]; ok {
			return v
		}
	}
	for dot > 0 {
		class = class[:dot]
		if v, ok := l.pkgAssert[class]; ok {
			return v
		}
		dot = strings.LastIndexByte(class, '.')
	}
	return l.defaultAssert
}
