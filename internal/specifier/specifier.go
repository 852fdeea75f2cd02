// Package specifier classifies the textual form used in an import statement
// (§3 of the spec) without touching the filesystem. Classification is pure
// string analysis: relative, project-absolute, bare, or an OS-absolute path
// that bypasses project-boundary checks entirely.
package specifier

import (
	"path/filepath"
	"strings"
)

// Kind is the three-way specifier classification plus the OS-path escape
// hatch recognized during classification (§3: "OS-absolute paths ...
// are classified as OS paths; any other leading-slash path is
// project-relative").
type Kind int

const (
	Relative Kind = iota
	ProjectAbsolute
	Bare
	OSPath
)

func (k Kind) String() string {
	switch k {
	case Relative:
		return "relative"
	case ProjectAbsolute:
		return "project-absolute"
	case Bare:
		return "bare"
	case OSPath:
		return "os-path"
	default:
		return "unknown"
	}
}

// recognizedOSRoots are the leading-slash prefixes that unconditionally mark
// a specifier as an OS-absolute path, per §3.
var recognizedOSRoots = []string{
	"/Users/", "/home/", "/var/", "/tmp/", "/opt/", "/usr/", "/etc/",
}

// Classify determines the Kind of specifier, given the configured base
// directory (resolution.baseUrl) used to detect "strictly prefixed by the
// configured base" OS paths. It never opens a file.
func Classify(spec, baseURL string) Kind {
	if isWindowsDriveAbsolute(spec) {
		return OSPath
	}
	if strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../") || spec == "." || spec == ".." {
		return Relative
	}
	if strings.HasPrefix(spec, "/") {
		for _, root := range recognizedOSRoots {
			if strings.HasPrefix(spec, root) {
				return OSPath
			}
		}
		if baseURL != "" {
			cleanBase := filepath.Clean(baseURL)
			cleanSpec := filepath.Clean(spec)
			if strings.HasPrefix(cleanSpec, cleanBase+string(filepath.Separator)) && cleanSpec != cleanBase {
				return OSPath
			}
		}
		return ProjectAbsolute
	}
	return Bare
}

func isWindowsDriveAbsolute(spec string) bool {
	if len(spec) < 3 {
		return false
	}
	c := spec[0]
	isLetter := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
	return isLetter && spec[1] == ':' && (spec[2] == '\\' || spec[2] == '/')
}

// ResolvedModule is the output of C1 Resolver.Resolve (§3).
type ResolvedModule struct {
	AbsolutePath      string
	IsExternalLibrary bool
	PackageName       string
	Extension         string
}

// DefaultExtensions is the default configured extension set (§3/§6).
var DefaultExtensions = []string{".som", ".js", ".json"}

// DefaultModuleDirectories is the default bare-resolution probe directory.
var DefaultModuleDirectories = []string{"node_modules"}
