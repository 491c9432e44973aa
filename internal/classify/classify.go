// SPDX-License-Identifier: MPL-2.0

// Package classify maps files on the build machine to their destination
// inside the container.
//
// Rules are evaluated in priority order:
//  1. files under the installation root keep their root-relative path
//     (bin/ruby, lib/ruby/3.3.0/set.rb, ...);
//  2. files under the entry script's directory go to src/<relative path>;
//  3. anything else lands in the installation's site library, under the name
//     it was referenced by.
//
// Destinations always use '/' and are relative to the container root.
package classify

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/rbexe/rbexe/pkg/fspath"
)

const (
	// KindInstall mirrors the installation layout.
	KindInstall Kind = iota
	// KindSource places files below SourcePrefix.
	KindSource
	// KindSiteLib places files below the site library by referenced name.
	KindSiteLib
)

// SourcePrefix is the destination directory of the script's own files.
const SourcePrefix = "src"

var (
	// ErrUnresolvable is returned when no rule produces a destination.
	ErrUnresolvable = errors.New("no destination for path")
	// ErrOutsideInstallRoot is returned by ClassifyInstalled for paths that are
	// not part of the installation.
	ErrOutsideInstallRoot = errors.New("path is not inside the Ruby installation")
	// ErrInvalidRoots is returned by New when a root is missing or relative.
	ErrInvalidRoots = errors.New("invalid classifier roots")
)

type (
	// Kind identifies a rule.
	Kind int

	// Roots are the directories the rules match against. All are absolute
	// host paths.
	Roots struct {
		// InstallRoot is the installation prefix (RbConfig exec_prefix).
		InstallRoot string
		// ScriptDir is the directory of the entry script.
		ScriptDir string
		// SiteLibDir is the site library (RbConfig sitelibdir). Rule 3 is
		// unavailable when it does not lie under InstallRoot.
		SiteLibDir string
	}

	// Rule is one entry of the ordered rule list.
	Rule struct {
		Kind Kind
		// Root is the host directory the rule matches, empty for KindSiteLib.
		Root string
		// Prefix is prepended to the destination ("" for KindInstall).
		Prefix string
	}

	// Source is a file to classify.
	Source struct {
		// Path is the resolved absolute host path.
		Path string
		// Name is the name the file was referenced by, relative to its
		// load-path entry. Only rule 3 uses it.
		Name string
	}

	// Placement is a classified destination and the rule that produced it.
	Placement struct {
		Dest string
		Kind Kind
	}

	// Classifier applies the rules. It holds no mutable state, so one value
	// can be shared freely.
	Classifier struct {
		installRoot string
		rules       []Rule
	}

	// UnresolvableError describes why a source has no destination.
	UnresolvableError struct {
		Source Source
		Reason string
	}
)

// Error implements the error interface.
func (e *UnresolvableError) Error() string {
	return fmt.Sprintf("%s: no destination for %s (%s)", e.Source.Path, e.Source.Name, e.Reason)
}

// Unwrap returns ErrUnresolvable for errors.Is compatibility.
func (e *UnresolvableError) Unwrap() error { return ErrUnresolvable }

// String returns the rule name.
func (k Kind) String() string {
	switch k {
	case KindInstall:
		return "install"
	case KindSource:
		return "source"
	case KindSiteLib:
		return "sitelib"
	default:
		return "unknown"
	}
}

// New validates roots and builds the ordered rule list.
func New(roots Roots) (*Classifier, error) {
	if !filepath.IsAbs(roots.InstallRoot) {
		return nil, fmt.Errorf("%w: install root %q must be an absolute path", ErrInvalidRoots, roots.InstallRoot)
	}
	if !filepath.IsAbs(roots.ScriptDir) {
		return nil, fmt.Errorf("%w: script dir %q must be an absolute path", ErrInvalidRoots, roots.ScriptDir)
	}

	c := &Classifier{installRoot: filepath.Clean(roots.InstallRoot)}
	c.rules = []Rule{
		{Kind: KindInstall, Root: c.installRoot},
		{Kind: KindSource, Root: filepath.Clean(roots.ScriptDir), Prefix: SourcePrefix},
	}
	if roots.SiteLibDir != "" {
		if rel, ok := fspath.Under(c.installRoot, roots.SiteLibDir); ok && rel != "." {
			c.rules = append(c.rules, Rule{Kind: KindSiteLib, Prefix: rel})
		}
	}
	return c, nil
}

// Rules returns a copy of the rule list in evaluation order.
func (c *Classifier) Rules() []Rule {
	return append([]Rule(nil), c.rules...)
}

// Classify returns the destination for src. The result depends only on src
// and the classifier's roots.
func (c *Classifier) Classify(src Source) (string, error) {
	p, err := c.Place(src)
	return p.Dest, err
}

// Place is Classify that also reports which rule matched.
func (c *Classifier) Place(src Source) (Placement, error) {
	for _, r := range c.rules {
		switch r.Kind {
		case KindInstall, KindSource:
			if rel, ok := fspath.Under(r.Root, src.Path); ok && rel != "." {
				return Placement{Dest: joinDest(r.Prefix, rel), Kind: r.Kind}, nil
			}
		case KindSiteLib:
			name, reason := siteLibName(src.Name)
			if reason != "" {
				return Placement{}, &UnresolvableError{Source: src, Reason: reason}
			}
			return Placement{Dest: joinDest(r.Prefix, name), Kind: r.Kind}, nil
		}
	}
	return Placement{}, &UnresolvableError{
		Source: src,
		Reason: "outside the installation and script directory, and the site library is not inside the installation",
	}
}

// ClassifyInstalled applies the installation rule only. It is used for gem
// specifications, which have no other sensible destination.
func (c *Classifier) ClassifyInstalled(p string) (string, error) {
	rel, ok := fspath.Under(c.installRoot, p)
	if !ok || rel == "." {
		return "", fmt.Errorf("%w: %s (installation root %s)", ErrOutsideInstallRoot, p, c.installRoot)
	}
	return rel, nil
}

// siteLibName validates a referenced name for use under the site library and
// returns it cleaned, or a reason it cannot be used.
func siteLibName(name string) (string, string) {
	name = strings.ReplaceAll(name, "\\", "/")
	switch {
	case name == "":
		return "", "no referenced name"
	case path.IsAbs(name) || filepath.IsAbs(name) || filepath.VolumeName(name) != "":
		return "", "referenced by absolute path"
	}
	clean := path.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", "referenced name escapes the site library"
	}
	return clean, ""
}

func joinDest(prefix, rel string) string {
	if prefix == "" {
		return rel
	}
	return path.Join(prefix, rel)
}
