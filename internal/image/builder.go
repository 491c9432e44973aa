// SPDX-License-Identifier: MPL-2.0

package image

import (
	"bufio"
	"bytes"
	"context"
	_ "crypto/sha256" // registers digest.SHA256
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/nrednav/cuid2"
	"github.com/opencontainers/go-digest"

	"github.com/rbexe/rbexe/internal/classify"
	"github.com/rbexe/rbexe/internal/compress"
	"github.com/rbexe/rbexe/internal/discovery"
	"github.com/rbexe/rbexe/internal/opcode"
	"github.com/rbexe/rbexe/internal/rubyenv"
	"github.com/rbexe/rbexe/pkg/fspath"
)

const (
	// BinPrefix is the destination directory of the interpreter and libraries.
	BinPrefix = "bin"

	// Environment variables cleared before launch so the packaged process
	// never sees the build machine's interpreter search paths.
	envRubyOpt = "RUBYOPT"
	envRubyLib = "RUBYLIB"
)

const (
	// StageBuilding starts once the output file is open.
	StageBuilding Stage = iota
	// StageCompressing starts before the payload is handed to the compressor.
	StageCompressing
)

const (
	// RoleScript is an explicitly listed input file.
	RoleScript Role = "script"
	// RoleInterpreter is the interpreter executable or its shared library.
	RoleInterpreter Role = "interpreter"
	// RoleLibrary is an extra library from the installation's bin dir.
	RoleLibrary Role = "library"
	// RoleGemSpec is a gem specification.
	RoleGemSpec Role = "gemspec"
	// RoleDependency is a discovered dependency.
	RoleDependency Role = "dependency"
)

var (
	// ErrNoScript is returned when the request names no script.
	ErrNoScript = errors.New("no script to package")
	// ErrOutsideSourceDir is returned for an explicit file that is not inside
	// the script's directory.
	ErrOutsideSourceDir = errors.New("file is outside the script directory")
	// ErrStubTooLarge is returned when the stub does not fit the trailer's
	// 32-bit offset.
	ErrStubTooLarge = errors.New("stub image too large")
)

type (
	// Stage is a build phase reported through Request.Progress.
	Stage int

	// Role says why a file is in the container.
	Role string

	// Request describes one build.
	Request struct {
		// Output is the container path. Empty means DefaultOutput(Script).
		Output string
		// Stub is the extraction stub image written ahead of the payload.
		Stub []byte
		// Script is the entry script. It is also the first explicit file.
		Script string
		// Files are further explicit files, placed relative to Script's
		// directory under src/.
		Files []string
		// Installation is the Ruby installation being packaged.
		Installation rubyenv.Installation
		// ExtraLibraries are file names in Installation.BinDir to include.
		ExtraLibraries []string
		// Dependencies are the discovered features.
		Dependencies []discovery.Feature
		// GemSpecs are the specifications of loaded gems.
		GemSpecs []string
		// Compressor compresses the payload. Nil writes it uncompressed.
		Compressor compress.Compressor
		// Windowed forces the windowed interpreter; Console forces the
		// console one and wins over Windowed and a .rbw script.
		Windowed bool
		Console  bool
		// Logger receives progress at debug level and warnings. Nil discards.
		Logger *log.Logger
		// Progress, when set, is called at the start of each Stage.
		Progress func(Stage)
	}

	// FileRecord is one packaged file.
	FileRecord struct {
		Source string
		Dest   string
		Role   Role
		Size   int64
		Digest digest.Digest
	}

	// Result describes a finished container.
	Result struct {
		// Path is the container file.
		Path string
		// Size is the container size in bytes.
		Size int64
		// Digest is the sha256 digest of the whole container.
		Digest digest.Digest
		// Executable is the interpreter the container launches.
		Executable string
		// CommandLine is the launch command line.
		CommandLine string
		// Files are the packaged files in emission order.
		Files []FileRecord
		// Directories are the created directories in emission order.
		Directories []string
		// Diagnostics are the warnings raised while building.
		Diagnostics []discovery.Diagnostic
		// Compressed reports whether the payload is LZMA-wrapped.
		Compressed bool
		// PayloadSize is the size of the uncompressed opcode stream.
		PayloadSize int64
		// CompressedSize is the size of the compressed blob, zero when
		// uncompressed.
		CompressedSize int64
	}

	// builder carries the state of one build. Nothing is shared between
	// builds.
	builder struct {
		req        Request
		log        *log.Logger
		classifier *classify.Classifier
		scriptDir  string
		w          *opcode.Writer
		dirs       dirSet
		dests      map[string]string
		res        *Result
	}
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageBuilding:
		return "building"
	case StageCompressing:
		return "compressing"
	default:
		return "unknown"
	}
}

// DefaultOutput derives the container name from the script: a trailing .rb
// or .rbw is replaced by .exe, any other name gets .exe appended.
func DefaultOutput(script string) string {
	return fspath.TrimExt(script, ".rb", ".rbw") + ".exe"
}

// Build writes a container for req. The container is assembled in a
// uniquely named temporary file next to the output and renamed into place
// only when every step succeeded; on failure no output is left behind.
func Build(ctx context.Context, req Request) (res *Result, err error) {
	if req.Script == "" {
		return nil, ErrNoScript
	}
	if uint64(len(req.Stub)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrStubTooLarge, len(req.Stub))
	}

	b, err := newBuilder(req)
	if err != nil {
		return nil, err
	}

	out := req.Output
	if out == "" {
		out = DefaultOutput(req.Script)
	}
	tmp := filepath.Join(filepath.Dir(out), "."+filepath.Base(out)+"."+cuid2.Generate()+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o755)
	if err != nil {
		return nil, fmt.Errorf("create output: %w", err)
	}
	closed := false
	defer func() {
		if err == nil {
			return
		}
		if !closed {
			_ = f.Close()
		}
		if rmErr := os.Remove(tmp); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			b.log.Warn("failed to remove partial output", "path", tmp, "err", rmErr)
		}
	}()

	b.progress(StageBuilding)

	sum := digest.Canonical.Digester()
	bw := bufio.NewWriter(io.MultiWriter(f, sum.Hash()))
	if _, err = bw.Write(req.Stub); err != nil {
		return nil, fmt.Errorf("write stub: %w", err)
	}
	if err = b.writePayload(ctx, bw); err != nil {
		return nil, err
	}
	if err = opcode.WriteTrailer(bw, uint32(len(req.Stub))); err != nil {
		return nil, fmt.Errorf("write trailer: %w", err)
	}
	if err = bw.Flush(); err != nil {
		return nil, fmt.Errorf("write output: %w", err)
	}

	closed = true
	if err = f.Close(); err != nil {
		return nil, fmt.Errorf("close output: %w", err)
	}
	if err = os.Rename(tmp, out); err != nil {
		return nil, fmt.Errorf("rename output: %w", err)
	}

	info, err := os.Stat(out)
	if err != nil {
		return nil, err
	}
	b.res.Path = out
	b.res.Size = info.Size()
	b.res.Digest = sum.Digest()
	return b.res, nil
}

func newBuilder(req Request) (*builder, error) {
	script, err := fspath.Abs(req.Script)
	if err != nil {
		return nil, err
	}
	req.Script = script

	scriptDir := filepath.Dir(script)
	c, err := classify.New(classify.Roots{
		InstallRoot: req.Installation.Root,
		ScriptDir:   scriptDir,
		SiteLibDir:  req.Installation.SiteLibDir,
	})
	if err != nil {
		return nil, err
	}

	logger := req.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &builder{
		req:        req,
		log:        logger,
		classifier: c,
		scriptDir:  scriptDir,
		dirs:       dirSet{},
		dests:      make(map[string]string),
		res:        &Result{Compressed: req.Compressor != nil},
	}, nil
}

// writePayload emits the opcode stream to out, either directly or wrapped
// in a single DecompressLZMA entry followed by the outer End.
func (b *builder) writePayload(ctx context.Context, out io.Writer) error {
	if b.req.Compressor == nil {
		b.w = opcode.NewWriter(out)
		if err := b.emitAll(ctx); err != nil {
			return err
		}
		b.res.PayloadSize = b.w.Offset()
		return nil
	}

	var buf bytes.Buffer
	b.w = opcode.NewWriter(&buf)
	if err := b.emitAll(ctx); err != nil {
		return err
	}
	b.res.PayloadSize = b.w.Offset()

	b.progress(StageCompressing)
	b.log.Debug("compressing payload", "compressor", b.req.Compressor.Name(), "size", buf.Len())
	packed, err := b.req.Compressor.Compress(ctx, buf.Bytes())
	if err != nil {
		return fmt.Errorf("compress payload: %w", err)
	}
	b.res.CompressedSize = int64(len(packed))

	outer := opcode.NewWriter(out)
	if err := outer.Write(opcode.DecompressLZMAEntry{Data: packed}); err != nil {
		return err
	}
	return outer.Write(opcode.EndEntry{})
}

// emitAll writes the materialization sequence, terminated by End.
func (b *builder) emitAll(ctx context.Context) error {
	inst := b.req.Installation

	// Explicit files, the script first.
	scriptDest := ""
	for i, file := range append([]string{b.req.Script}, b.req.Files...) {
		abs, err := fspath.Abs(file)
		if err != nil {
			return err
		}
		rel, ok := fspath.Under(b.scriptDir, abs)
		if !ok || rel == "." {
			return fmt.Errorf("%w: %s (script directory %s)", ErrOutsideSourceDir, file, b.scriptDir)
		}
		dest := path.Join(classify.SourcePrefix, rel)
		if i == 0 {
			scriptDest = dest
		}
		if err := b.addFile(ctx, abs, dest, RoleScript); err != nil {
			return err
		}
	}

	// Interpreter and shared library.
	exe, found := inst.SelectExecutable(b.req.Script, b.req.Windowed, b.req.Console)
	if !found {
		b.warn(discovery.NewDiagnostic(discovery.SeverityWarning, discovery.CodeWindowedUnavailable,
			fmt.Sprintf("no windowed interpreter in this installation, using %s", exe)))
	}
	if err := b.addFile(ctx, inst.ExecutablePath(exe), path.Join(BinPrefix, exe), RoleInterpreter); err != nil {
		return err
	}
	if lib := inst.SharedLibraryPath(); lib != "" {
		if err := b.addFile(ctx, lib, path.Join(BinPrefix, inst.SharedLibrary), RoleInterpreter); err != nil {
			return err
		}
	}

	for _, name := range b.req.ExtraLibraries {
		dest := path.Join(BinPrefix, filepath.ToSlash(name))
		if err := b.addFile(ctx, inst.ExecutablePath(name), dest, RoleLibrary); err != nil {
			return err
		}
	}

	for _, spec := range b.req.GemSpecs {
		dest, err := b.classifier.ClassifyInstalled(spec)
		if err != nil {
			return err
		}
		if err := b.addFile(ctx, spec, dest, RoleGemSpec); err != nil {
			return err
		}
	}

	for _, dep := range b.req.Dependencies {
		dest, err := b.classifier.Classify(classify.Source{Path: dep.Path, Name: dep.Name})
		if errors.Is(err, classify.ErrUnresolvable) {
			b.warn(discovery.NewDiagnosticWithCause(discovery.SeverityWarning, discovery.CodeUnresolvablePath,
				"no destination in the container, skipped", dep.Path, err))
			continue
		}
		if err != nil {
			return err
		}
		if err := b.addFile(ctx, dep.Path, dest, RoleDependency); err != nil {
			return err
		}
	}

	if err := b.setEnv(envRubyOpt, ""); err != nil {
		return err
	}
	if err := b.setEnv(envRubyLib, ""); err != nil {
		return err
	}

	image := path.Join(BinPrefix, exe)
	cmdline := exe + " " + string([]byte{opcode.LaunchSeparator}) + "/" + scriptDest
	b.log.Debug("l", "image", image, "cmdline", cmdline)
	if err := b.w.Write(opcode.CreateProcessEntry{Image: image, CommandLine: cmdline}); err != nil {
		return err
	}
	b.res.Executable = exe
	b.res.CommandLine = cmdline

	return b.w.Write(opcode.EndEntry{})
}

// addFile emits the directories of dest and a CreateFile for src. A second
// file for an already used destination is skipped; the first one wins.
func (b *builder) addFile(ctx context.Context, src, dest string, role Role) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if prev, ok := b.dests[dest]; ok {
		b.log.Debug("skipping duplicate destination", "dest", dest, "source", src, "first", prev)
		return nil
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s file: %w", role, err)
	}

	if err := b.dirs.ensure(path.Dir(dest), b.mkdir); err != nil {
		return err
	}
	b.log.Debug("a", "path", dest, "size", len(data))
	if err := b.w.Write(opcode.CreateFileEntry{Path: dest, Data: data}); err != nil {
		return err
	}

	b.dests[dest] = src
	b.res.Files = append(b.res.Files, FileRecord{
		Source: src,
		Dest:   dest,
		Role:   role,
		Size:   int64(len(data)),
		Digest: digest.FromBytes(data),
	})
	return nil
}

func (b *builder) mkdir(dir string) error {
	b.log.Debug("m", "path", dir)
	if err := b.w.Write(opcode.CreateDirectoryEntry{Path: dir}); err != nil {
		return err
	}
	b.res.Directories = append(b.res.Directories, dir)
	return nil
}

func (b *builder) setEnv(name, value string) error {
	b.log.Debug("e", "name", name, "value", value)
	return b.w.Write(opcode.SetEnvEntry{Name: name, Value: value})
}

func (b *builder) warn(d discovery.Diagnostic) {
	b.log.Warn(d.Message, "code", d.Code, "path", d.Path)
	b.res.Diagnostics = append(b.res.Diagnostics, d)
}

func (b *builder) progress(s Stage) {
	if b.req.Progress != nil {
		b.req.Progress(s)
	}
}
