// Package all imports all stub packages to ensure they register via init().
// Import this package wherever native libraries are loaded.
//
// Example:
//
//	import _ "github.com/zboralski/jnivm/internal/stubs/all"
package all

import (
	// Import all stub packages for side effects (init registration)
	_ "github.com/zboralski/jnivm/internal/stubs/android"
	_ "github.com/zboralski/jnivm/internal/stubs/cxxabi"
	_ "github.com/zboralski/jnivm/internal/stubs/libc"
	_ "github.com/zboralski/jnivm/internal/stubs/pthread"
)
