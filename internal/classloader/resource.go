package classloader

// ResourceFinder is an optional Backend extension that locates resources
// by '/'-separated name and returns their locations.
type ResourceFinder interface {
	FindResource(name string) (string, bool)
	FindResources(name string) ([]string, error)
}

// GetResource looks name up in the parent, or the bootstrap resources
// for a top-level loader, and then in this loader's backend.
func (l *Loader) GetResource(name string) (string, bool) {
	var (
		loc string
		ok  bool
	)
	if l.parent != nil {
		loc, ok = l.parent.GetResource(name)
	} else {
		loc, ok = l.graph.BootstrapResource(name)
	}
	if ok {
		return loc, true
	}
	return l.FindResource(name)
}

// GetResources lists every location of name, delegated results first.
func (l *Loader) GetResources(name string) ([]string, error) {
	var (
		out []string
		err error
	)
	if l.parent != nil {
		out, err = l.parent.GetResources(name)
	} else {
		out, err = l.graph.BootstrapResources(name)
	}
	if err != nil {
		return nil, err
	}
	own, err := l.FindResources(name)
	if err != nil {
		return nil, err
	}
	return append(out, own...), nil
}

// FindResource asks only this loader's backend.
func (l *Loader) FindResource(name string) (string, bool) {
	if f, ok := l.backend.(ResourceFinder); ok {
		return f.FindResource(name)
	}
	return "", false
}

// FindResources asks only this loader's backend.
func (l *Loader) FindResources(name string) ([]string, error) {
	if f, ok := l.backend.(ResourceFinder); ok {
		return f.FindResources(name)
	}
	return nil, nil
}

// BootstrapResource looks name up in the bootstrap resources.
func (g *Graph) BootstrapResource(name string) (string, bool) {
	if g.bootRes == nil {
		return "", false
	}
	return g.bootRes.FindResource(name)
}

// BootstrapResources lists name in the bootstrap resources.
func (g *Graph) BootstrapResources(name string) ([]string, error) {
	if g.bootRes == nil {
		return nil, nil
	}
	return g.bootRes.FindResources(name)
}

// SystemResource looks name up through the system loader, or the
// bootstrap resources when there is none.
func (g *Graph) SystemResource(name string) (string, bool, error) {
	scl, err := g.InitSystemLoader()
	if err != nil {
		return "", false, err
	}
	if scl == nil {
		loc, ok := g.BootstrapResource(name)
		return loc, ok, nil
	}
	loc, ok := scl.GetResource(name)
	return loc, ok, nil
}

// SystemResources lists name through the system loader, or the bootstrap
// resources when there is none.
func (g *Graph) SystemResources(name string) ([]string, error) {
	scl, err := g.InitSystemLoader()
	if err != nil {
		return nil, err
	}
	if scl == nil {
		return g.BootstrapResources(name)
	}
	return scl.GetResources(name)
}
