// SPDX-License-Identifier: MPL-2.0

// Command rbexe packages a Ruby script, the files it loads and the Ruby
// interpreter into a single self-extracting executable.
package main

import cmd "github.com/rbexe/rbexe/cmd/rbexe"

func main() {
	cmd.Execute()
}
