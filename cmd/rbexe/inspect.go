// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/c2h5oh/datasize"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"

	"github.com/rbexe/rbexe/internal/compress"
	"github.com/rbexe/rbexe/internal/issue"
	"github.com/rbexe/rbexe/internal/opcode"
)

func newInspectCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <container>",
		Short: "List the operations stored in a container",
		Long: `List the operations stored in a container.

Each line shows one operation, the way the extraction stub replays it:
  m  create a directory
  a  create a file
  e  set an environment variable
  l  launch the interpreter`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.OutOrStdout(), args[0])
		},
	}
}

func runInspect(w io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return issue.NewErrorContext().
			WithOperation("read container").
			WithResource(path).
			Wrap(err).
			BuildError()
	}
	c, err := opcode.Parse(data, compress.Decompress)
	if err != nil {
		return issue.NewErrorContext().
			WithOperation("inspect container").
			WithResource(path).
			WithIssue(issue.InvalidContainerId).
			Wrap(err).
			BuildError()
	}

	fmt.Fprintf(w, "%s %s\n", TitleStyle.Render(path), SubtitleStyle.Render(digest.FromBytes(data).String()))
	fmt.Fprintf(w, "%s %s\n", KeyStyle.Render("size:"), datasize.ByteSize(c.Size).HumanReadable())
	fmt.Fprintf(w, "%s %d bytes\n", KeyStyle.Render("stub:"), c.Trailer.PayloadOffset)
	if c.Compressed() {
		for _, e := range c.Outer {
			if z, ok := e.(opcode.DecompressLZMAEntry); ok {
				fmt.Fprintf(w, "%s lzma, %s\n", KeyStyle.Render("payload:"), datasize.ByteSize(len(z.Data)).HumanReadable())
			}
		}
	} else {
		fmt.Fprintf(w, "%s uncompressed\n", KeyStyle.Render("payload:"))
	}

	for _, e := range c.Operations() {
		if line := describeEntry(e); line != "" {
			fmt.Fprintln(w, line)
		}
	}
	return nil
}

// describeEntry renders one operation as a listing line.
func describeEntry(e opcode.Entry) string {
	switch e := e.(type) {
	case opcode.CreateDirectoryEntry:
		return KeyStyle.Render("m") + " " + e.Path
	case opcode.CreateFileEntry:
		return KeyStyle.Render("a") + " " + e.Path + " " + VerboseStyle.Render(fmt.Sprintf("(%s)", datasize.ByteSize(len(e.Data)).HumanReadable()))
	case opcode.SetEnvEntry:
		return KeyStyle.Render("e") + " " + e.Name + "=" + e.Value
	case opcode.CreateProcessEntry:
		return KeyStyle.Render("l") + " " + e.Image + " " + displayCommandLine(e.CommandLine)
	default:
		return ""
	}
}
