// SPDX-License-Identifier: MPL-2.0

package discovery

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/samber/lo"

	"github.com/rbexe/rbexe/pkg/fspath"
)

// DefaultExtensions are tried, in order, for features named without one.
var DefaultExtensions = []string{".rb", ".so", ".bundle", ".dll"}

type (
	// StaticResolver resolves dependencies by reading source files instead of
	// running them. It sees only literal load statements; anything computed at
	// run time is reported as a dynamic_require warning.
	StaticResolver struct {
		// Logger receives per-feature debug output. Nil discards it.
		Logger *log.Logger
		// Extensions overrides DefaultExtensions when non-empty.
		Extensions []string
	}

	// gemLib is the lib directory of one installed gem.
	gemLib struct {
		name    string
		version []int
		full    string
		gemDir  string
		libDir  string
	}

	// pendingAutoload is an autoload statement not yet forced.
	pendingAutoload struct {
		ref  Reference
		from string
	}

	// staticWalk is the state of one Resolve call.
	staticWalk struct {
		r          *StaticResolver
		req        Request
		entryDir   string
		searchDirs []string
		gems       []gemLib
		features   *FeatureSet
		queue      []string
		pending    []pendingAutoload
		forced     map[string]bool
		diags      []Diagnostic
	}
)

// NewStaticResolver creates a StaticResolver logging to logger.
func NewStaticResolver(logger *log.Logger) *StaticResolver {
	return &StaticResolver{Logger: logger}
}

// Resolve walks the entry script and everything it loads. When
// req.ForceAutoload is set, autoload targets are forced repeatedly until a
// full pass adds no new file.
func (r *StaticResolver) Resolve(ctx context.Context, req Request) (*Result, error) {
	entry, err := fspath.Abs(req.Entry)
	if err != nil {
		return nil, err
	}
	src, err := os.ReadFile(entry)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEntryNotFound, err)
	}

	w := &staticWalk{
		r:        r,
		req:      req,
		entryDir: filepath.Dir(entry),
		features: NewFeatureSet(),
		forced:   make(map[string]bool),
	}
	w.gems = installedGems(req.GemDirs)
	w.searchDirs = lo.Map(req.LoadPath, func(dir string, _ int) string {
		if abs, err := fspath.Abs(dir); err == nil {
			return abs
		}
		return dir
	})
	w.searchDirs = append(w.searchDirs, lo.Map(w.gems, func(g gemLib, _ int) string { return g.libDir })...)

	w.scanSource(entry, src)
	for {
		if err := w.drain(ctx); err != nil {
			return nil, err
		}
		if !req.ForceAutoload || !w.forceAutoloads() {
			break
		}
	}

	features := w.features.Features()
	return &Result{
		Features:    features,
		GemSpecs:    gemSpecs(w.gems, features),
		Diagnostics: w.diags,
	}, nil
}

func (r *StaticResolver) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.New(io.Discard)
}

func (r *StaticResolver) extensions() []string {
	if len(r.Extensions) > 0 {
		return r.Extensions
	}
	return DefaultExtensions
}

// drain processes queued source files until the queue is empty.
func (w *staticWalk) drain(ctx context.Context) error {
	for len(w.queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		file := w.queue[0]
		w.queue = w.queue[1:]

		src, err := os.ReadFile(file)
		if err != nil {
			w.warn(NewDiagnosticWithCause(SeverityWarning, CodeSourceUnreadable, "cannot read loaded file", file, err))
			continue
		}
		w.scanSource(file, src)
	}
	return nil
}

// forceAutoloads resolves every pending autoload once. It reports whether any
// new file was added, which means another pass is needed.
func (w *staticWalk) forceAutoloads() bool {
	pending := w.pending
	w.pending = nil

	added := false
	for _, p := range pending {
		key := p.from + "\x00" + p.ref.Name
		if w.forced[key] {
			continue
		}
		w.forced[key] = true

		f, ok := w.resolve(p.ref, filepath.Dir(p.from))
		if !ok {
			w.warn(NewDiagnosticWithPath(SeverityWarning, CodeAutoloadFailed,
				fmt.Sprintf("%s (%q) was not loadable", p.ref.Const, p.ref.Name), p.from))
			continue
		}
		if w.add(f) {
			added = true
		}
	}
	return added
}

func (w *staticWalk) scanSource(file string, src []byte) {
	refs, dynamic := Scan(src)
	for _, d := range dynamic {
		w.warn(NewDiagnosticWithPath(SeverityWarning, CodeDynamicRequire,
			fmt.Sprintf("line %d: cannot resolve non-literal load of %s", d.Line, d.Expr), file))
	}

	for _, ref := range refs {
		if ref.Kind == KindAutoload {
			w.pending = append(w.pending, pendingAutoload{ref: ref, from: file})
			continue
		}
		f, ok := w.resolve(ref, filepath.Dir(file))
		if !ok {
			w.warn(NewDiagnosticWithPath(SeverityWarning, CodeFeatureNotFound,
				fmt.Sprintf("line %d: couldn't find %s %q", ref.Line, ref.Kind, ref.Name), file))
			continue
		}
		w.add(f)
	}
}

// add records f and queues it for scanning when it is Ruby source.
func (w *staticWalk) add(f Feature) bool {
	if !w.features.Add(f) {
		return false
	}
	w.r.logger().Debug("feature", "name", f.Name, "path", f.Path)
	if strings.EqualFold(filepath.Ext(f.Path), ".rb") {
		w.queue = append(w.queue, f.Path)
	}
	return true
}

func (w *staticWalk) resolve(ref Reference, fromDir string) (Feature, bool) {
	name := filepath.FromSlash(ref.Name)
	if name == "" {
		return Feature{}, false
	}

	switch {
	case ref.Kind == KindRequireRelative:
		return w.featureAt(filepath.Join(fromDir, name), ref.Kind)
	case filepath.IsAbs(name):
		return w.featureAt(name, ref.Kind)
	case strings.HasPrefix(ref.Name, "./") || strings.HasPrefix(ref.Name, "../"):
		return w.featureAt(filepath.Join(w.entryDir, name), ref.Kind)
	}

	if ref.Kind == KindLoad {
		// load tries the working directory before the load path.
		if f, ok := w.featureAt(filepath.Join(w.entryDir, name), ref.Kind); ok {
			return f, true
		}
	}
	for _, dir := range w.searchDirs {
		if p, ok := w.candidate(filepath.Join(dir, name), ref.Kind); ok {
			return Feature{Name: w.nameFor(dir, p), Path: p}, true
		}
	}
	return Feature{}, false
}

// featureAt resolves base outside of the load-path search; the feature name is
// taken from the first load-path entry containing it, if any.
func (w *staticWalk) featureAt(base string, kind ReferenceKind) (Feature, bool) {
	p, ok := w.candidate(base, kind)
	if !ok {
		return Feature{}, false
	}
	for _, dir := range w.searchDirs {
		if _, under := fspath.Under(dir, p); under {
			return Feature{Name: w.nameFor(dir, p), Path: p}, true
		}
	}
	return Feature{Name: filepath.ToSlash(p), Path: p}, true
}

func (w *staticWalk) nameFor(dir, p string) string {
	rel, _ := fspath.Under(dir, p)
	return rel
}

// candidate returns the first existing file for base, appending the known
// extensions when base has none of them. load never appends extensions.
func (w *staticWalk) candidate(base string, kind ReferenceKind) (string, bool) {
	base = filepath.Clean(base)
	exts := w.r.extensions()
	if kind == KindLoad || slices.ContainsFunc(exts, func(e string) bool { return strings.EqualFold(filepath.Ext(base), e) }) {
		return base, fspath.IsFile(base)
	}
	for _, ext := range exts {
		if p := base + ext; fspath.IsFile(p) {
			return p, true
		}
	}
	return "", false
}

func (w *staticWalk) warn(d Diagnostic) {
	w.r.logger().Debug("discovery warning", "code", d.Code, "path", d.Path, "message", d.Message)
	w.diags = append(w.diags, d)
}

// installedGems lists <gemdir>/gems/<name>-<version>/lib for every gem dir,
// newest version of each gem first.
func installedGems(gemDirs []string) []gemLib {
	var gems []gemLib
	for _, gemDir := range gemDirs {
		entries, err := os.ReadDir(filepath.Join(gemDir, "gems"))
		if err != nil {
			continue
		}
		for _, e := range entries {
			lib := filepath.Join(gemDir, "gems", e.Name(), "lib")
			if !e.IsDir() || !fspath.IsDir(lib) {
				continue
			}
			name, version := splitGemName(e.Name())
			gems = append(gems, gemLib{name: name, version: version, full: e.Name(), gemDir: gemDir, libDir: lib})
		}
	}
	slices.SortStableFunc(gems, func(a, b gemLib) int {
		if c := cmp.Compare(a.name, b.name); c != 0 {
			return c
		}
		return slices.Compare(b.version, a.version)
	})
	return gems
}

// splitGemName splits "json-2.7.1" into "json" and [2 7 1]. Non-numeric
// version segments (pre-release tags, platforms) end the numeric prefix.
func splitGemName(full string) (string, []int) {
	for i := len(full) - 1; i > 0; i-- {
		if full[i] != '-' || i+1 >= len(full) || full[i+1] < '0' || full[i+1] > '9' {
			continue
		}
		var version []int
		for _, seg := range strings.Split(full[i+1:], ".") {
			n, err := strconv.Atoi(seg)
			if err != nil {
				break
			}
			version = append(version, n)
		}
		return full[:i], version
	}
	return full, nil
}

// gemSpecs returns <gemdir>/specifications/<full>.gemspec for each gem that
// owns at least one feature, in feature order.
func gemSpecs(gems []gemLib, features []Feature) []string {
	var specs []string
	for _, f := range features {
		for _, g := range gems {
			if _, ok := fspath.Under(filepath.Dir(g.libDir), f.Path); !ok {
				continue
			}
			spec := filepath.Join(g.gemDir, "specifications", g.full+".gemspec")
			if fspath.IsFile(spec) {
				specs = append(specs, spec)
			}
			break
		}
	}
	return lo.Uniq(specs)
}
