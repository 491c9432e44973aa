// SPDX-License-Identifier: MPL-2.0

package config

// configDirOverride replaces the XDG config dir in tests. The xdg package
// resolves its paths once at init, so changing XDG_CONFIG_HOME afterwards
// has no effect.
var configDirOverride string

// Reset clears test overrides. Call from test cleanup to restore defaults.
func Reset() {
	configDirOverride = ""
}

// SetConfigDirOverride sets a custom config directory path for tests.
func SetConfigDirOverride(dir string) {
	configDirOverride = dir
}
