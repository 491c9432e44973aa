// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"cmp"
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/exp/slices"
)

type Id int

const (
	ScriptNotFoundId Id = iota + 1
	StubNotFoundId
	CompressorNotFoundId
	InterpreterNotFoundId
	ScriptFailedId
	CompressionFailedId
	OutputNotWritableId
	FileOutsideSourceDirId
	GemSpecOutsideInstallationId
	ConfigLoadFailedId
	InvalidContainerId
)

type MarkdownMsg string

type HttpLink string

type Issue struct {
	id       Id          // ID used to lookup the issue
	mdMsg    MarkdownMsg // Markdown text that will be rendered
	docLinks []HttpLink
	extLinks []HttpLink // external links that might be useful for the user
}

func (i *Issue) Id() Id {
	return i.id
}

func (i *Issue) MarkdownMsg() MarkdownMsg {
	return i.mdMsg
}

func (i *Issue) DocLinks() []HttpLink {
	return slices.Clone(i.docLinks)
}

func (i *Issue) ExtLinks() []HttpLink {
	return slices.Clone(i.extLinks)
}

// Render renders the issue as terminal markdown. An empty stylePath selects
// glamour's default style.
func (i *Issue) Render(stylePath string) (string, error) {
	var md strings.Builder
	md.WriteString(string(i.mdMsg))
	if len(i.docLinks) > 0 || len(i.extLinks) > 0 {
		md.WriteString("\n\n## See also\n")
		for _, link := range append(i.DocLinks(), i.extLinks...) {
			md.WriteString("- <" + string(link) + ">\n")
		}
	}
	if stylePath == "" {
		stylePath = "auto"
	}
	return render(md.String(), stylePath)
}

var (
	render = glamour.Render

	scriptNotFoundIssue = &Issue{
		id: ScriptNotFoundId,
		mdMsg: `
# Script not found!

The first argument to ` + "`rbexe build`" + ` must be the Ruby script to package.

## Things you can try:
- Check the path for typos
- Run rbexe from the directory that contains the script:
~~~
$ rbexe build app.rb
~~~`,
	}

	stubNotFoundIssue = &Issue{
		id: StubNotFoundId,
		mdMsg: `
# Extraction stub not found!

Every container starts with the stub executable that unpacks and launches
the packaged program. rbexe could not read it.

## Things you can try:
- Point rbexe at the stub explicitly:
~~~
$ rbexe build --stub /path/to/stub.exe app.rb
~~~

- Or set it once in your configuration:
~~~cue
stub_path: "/path/to/stub.exe"
~~~`,
	}

	compressorNotFoundIssue = &Issue{
		id: CompressorNotFoundId,
		mdMsg: `
# Compressor not found!

External compression runs ` + "`lzma e <in> <out>`" + ` and the executable is missing.

## Things you can try:
- Use the built-in compressor:
~~~
$ rbexe build --compression builtin app.rb
~~~

- Disable compression:
~~~
$ rbexe build --no-lzma app.rb
~~~

- Or configure the executable:
~~~cue
compressor_path: "/usr/bin/lzma"
~~~`,
	}

	interpreterNotFoundIssue = &Issue{
		id: InterpreterNotFoundId,
		mdMsg: `
# Ruby interpreter not usable!

rbexe asks the interpreter for its installation layout before packaging and
the query failed.

## Things you can try:
- Make sure ` + "`ruby`" + ` is on your PATH:
~~~
$ ruby -v
~~~

- Configure the interpreter command:
~~~cue
interpreter: "/opt/ruby/bin/ruby"
~~~

- Override the installation layout when probing is not possible:
~~~cue
installation: {
  root:    "/opt/ruby"
  bin_dir: "/opt/ruby/bin"
}
~~~`,
	}

	scriptFailedIssue = &Issue{
		id: ScriptFailedId,
		mdMsg: `
# Script failed while collecting dependencies!

In trace mode rbexe runs your script once and records everything it loads.
The script exited before a dependency report could be written.

## Things you can try:
- Run the script directly and fix the error:
~~~
$ ruby app.rb
~~~

- Skip the script's work while packaging, for example:
~~~ruby
exit if defined?(RbexeProbe)
~~~

- Or discover dependencies without running the script:
~~~
$ rbexe build --discovery static app.rb
~~~`,
	}

	compressionFailedIssue = &Issue{
		id: CompressionFailedId,
		mdMsg: `
# Compression failed!

The payload could not be compressed and no container was written.

## Things you can try:
- Run with ` + "`--verbose`" + ` to see the compressor's output
- Use the built-in compressor with ` + "`--compression builtin`" + `
- Build without compression using ` + "`--no-lzma`",
	}

	outputNotWritableIssue = &Issue{
		id: OutputNotWritableId,
		mdMsg: `
# Cannot write the container!

rbexe writes to a temporary file next to the output and renames it when the
build succeeds.

## Things you can try:
- Check that the output directory exists and is writable
- Choose another location with ` + "`--output`",
	}

	fileOutsideSourceDirIssue = &Issue{
		id: FileOutsideSourceDirId,
		mdMsg: `
# File outside the script directory!

Extra files are stored under ` + "`src/`" + ` relative to the script's
directory, so they must live below it.

## Things you can try:
- Move the file next to the script
- Run rbexe on a script in a common parent directory`,
	}

	gemSpecOutsideInstallationIssue = &Issue{
		id: GemSpecOutsideInstallationId,
		mdMsg: `
# Gem specification outside the Ruby installation!

A loaded gem's specification does not live below the installation root, so it
has no place in the container.

## Things you can try:
- Install the gem into the interpreter's default gem home
- Check that ` + "`GEM_HOME`" + ` and ` + "`GEM_PATH`" + ` are not redirected while packaging`,
	}

	configLoadFailedIssue = &Issue{
		id: ConfigLoadFailedId,
		mdMsg: `
# Failed to load configuration!

## Things you can try:
- Show the configuration rbexe would use:
~~~
$ rbexe config show
~~~

- Regenerate a default file:
~~~
$ rbexe config init
~~~`,
	}

	invalidContainerIssue = &Issue{
		id: InvalidContainerId,
		mdMsg: `
# Not an rbexe container!

The file does not end with the rbexe signature, or its opcode stream is
damaged.

## Things you can try:
- Check that the file was produced by ` + "`rbexe build`" + `
- Rebuild the container`,
	}

	issues = map[Id]*Issue{
		scriptNotFoundIssue.Id():             scriptNotFoundIssue,
		stubNotFoundIssue.Id():               stubNotFoundIssue,
		compressorNotFoundIssue.Id():         compressorNotFoundIssue,
		interpreterNotFoundIssue.Id():        interpreterNotFoundIssue,
		scriptFailedIssue.Id():               scriptFailedIssue,
		compressionFailedIssue.Id():          compressionFailedIssue,
		outputNotWritableIssue.Id():          outputNotWritableIssue,
		fileOutsideSourceDirIssue.Id():       fileOutsideSourceDirIssue,
		gemSpecOutsideInstallationIssue.Id(): gemSpecOutsideInstallationIssue,
		configLoadFailedIssue.Id():           configLoadFailedIssue,
		invalidContainerIssue.Id():           invalidContainerIssue,
	}
)

// Values returns every catalog entry ordered by Id.
func Values() []*Issue {
	out := make([]*Issue, 0, len(issues))
	for _, i := range issues {
		out = append(out, i)
	}
	slices.SortFunc(out, func(a, b *Issue) int { return cmp.Compare(a.id, b.id) })
	return out
}

func Get(id Id) *Issue {
	return issues[id]
}
