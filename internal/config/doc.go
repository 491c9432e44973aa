// SPDX-License-Identifier: MPL-2.0

// Package config handles rbexe configuration using Viper with CUE as the file format.
//
// The file is read from $XDG_CONFIG_HOME/rbexe/config.cue, falling back to
// ./config.cue, unless --config names one explicitly. It is validated against
// the embedded config_schema.cue before being merged over the defaults, and
// RBEXE_* environment variables override both (RBEXE_DISCOVERY_MODE=static).
package config
