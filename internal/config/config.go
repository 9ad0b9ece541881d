// Package config loads jnivm settings from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// JNI version constants accepted in configuration.
const (
	Version1_1 = 0x00010001
	Version1_2 = 0x00010002
	Version1_4 = 0x00010004
	Version1_6 = 0x00010006
	Version1_8 = 0x00010008
)

// Config is the root configuration document.
type Config struct {
	JNI        JNI        `yaml:"jni"`
	Loader     Loader     `yaml:"loader"`
	Assertions Assertions `yaml:"assertions"`
	Log        Log        `yaml:"log"`
}

// JNI holds bridge settings.
type JNI struct {
	Version           int32 `yaml:"version"`
	InitialBucketSize int   `yaml:"initial_bucket_size"`
	MaxBucketSize     int   `yaml:"max_bucket_size"`
}

// Loader holds class and library loading settings.
type Loader struct {
	AllowArraySyntax  bool   `yaml:"allow_array_syntax"`
	SystemClassLoader string `yaml:"system_class_loader"`
	LibraryPath       string `yaml:"library_path"`
	BootLibraryPath   string `yaml:"boot_library_path"`
}

// Assertions seeds the assertion status of every class loader.
type Assertions struct {
	Default  bool            `yaml:"default"`
	Packages map[string]bool `yaml:"packages"`
	Classes  map[string]bool `yaml:"classes"`
}

// Log holds logging settings.
type Log struct {
	Debug bool `yaml:"debug"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		JNI: JNI{
			Version:           Version1_6,
			InitialBucketSize: 32,
			MaxBucketSize:     1024,
		},
		Assertions: Assertions{
			Packages: map[string]bool{},
			Classes:  map[string]bool{},
		},
	}
}

// Load reads a YAML file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks bucket sizes and the requested JNI version.
func (c *Config) Validate() error {
	if !SupportedVersion(c.JNI.Version) {
		return fmt.Errorf("config: unsupported JNI version 0x%x", c.JNI.Version)
	}
	if !isPowerOfTwo(c.JNI.InitialBucketSize) || !isPowerOfTwo(c.JNI.MaxBucketSize) {
		return fmt.Errorf("config: bucket sizes must be powers of two (%d, %d)",
			c.JNI.InitialBucketSize, c.JNI.MaxBucketSize)
	}
	if c.JNI.InitialBucketSize > c.JNI.MaxBucketSize {
		return fmt.Errorf("config: initial bucket size %d exceeds max %d",
			c.JNI.InitialBucketSize, c.JNI.MaxBucketSize)
	}
	if c.JNI.MaxBucketSize > 1024 {
		return fmt.Errorf("config: max bucket size %d exceeds handle index width", c.JNI.MaxBucketSize)
	}
	return nil
}

// UserPaths returns the java.library.path entries.
func (c *Config) UserPaths() []string {
	return InitializePath(c.Loader.LibraryPath)
}

// SystemPaths returns the boot library path entries.
func (c *Config) SystemPaths() []string {
	return InitializePath(c.Loader.BootLibraryPath)
}

// SupportedVersion reports whether v is a JNI version the bridge implements.
func SupportedVersion(v int32) bool {
	switch v {
	case Version1_1, Version1_2, Version1_4, Version1_6, Version1_8:
		return true
	}
	return false
}

// InitializePath splits a search path on the platform list separator.
// Empty elements between separators become "."; an empty path yields one
// empty element, matching how the library path property is interpreted.
func InitializePath(ldpath string) []string {
	parts := strings.Split(ldpath, string(filepath.ListSeparator))
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == "" {
			parts[i] = "."
		}
	}
	return parts
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
