// SPDX-License-Identifier: MPL-2.0

package image

import "path"

// dirSet records the destination directories already emitted in one build.
type dirSet map[string]struct{}

// ensure emits dir and each missing ancestor, parents first. The container
// root ("." after path.Dir) needs no entry. A directory is recorded only
// after emit succeeds for it.
func (s dirSet) ensure(dir string, emit func(dir string) error) error {
	if isRoot(dir) {
		return nil
	}
	if _, ok := s[dir]; ok {
		return nil
	}
	if err := s.ensure(path.Dir(dir), emit); err != nil {
		return err
	}
	if err := emit(dir); err != nil {
		return err
	}
	s[dir] = struct{}{}
	return nil
}

func isRoot(dir string) bool {
	return dir == "." || dir == "" || dir == "/"
}
