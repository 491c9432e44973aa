// SPDX-License-Identifier: MPL-2.0

package image

import (
	"errors"
	"slices"
	"testing"
)

func TestDirSet_Ensure(t *testing.T) {
	t.Parallel()

	s := dirSet{}
	var emitted []string
	emit := func(dir string) error {
		emitted = append(emitted, dir)
		return nil
	}

	for _, dir := range []string{"lib/foo", "lib/foo", "lib/bar", ".", "src", "lib"} {
		if err := s.ensure(dir, emit); err != nil {
			t.Fatalf("ensure(%q) error = %v", dir, err)
		}
	}

	want := []string{"lib", "lib/foo", "lib/bar", "src"}
	if !slices.Equal(emitted, want) {
		t.Errorf("emitted = %v, want %v", emitted, want)
	}
}

func TestDirSet_EnsureDeep(t *testing.T) {
	t.Parallel()

	s := dirSet{}
	var emitted []string
	if err := s.ensure("a/b/c/d", func(dir string) error {
		emitted = append(emitted, dir)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if want := []string{"a", "a/b", "a/b/c", "a/b/c/d"}; !slices.Equal(emitted, want) {
		t.Errorf("emitted = %v, want %v", emitted, want)
	}
}

func TestDirSet_EmitErrorNotRecorded(t *testing.T) {
	t.Parallel()

	s := dirSet{}
	boom := errors.New("disk full")
	calls := 0
	failOnce := func(dir string) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	}

	if err := s.ensure("x/y", failOnce); !errors.Is(err, boom) {
		t.Fatalf("ensure() error = %v, want %v", err, boom)
	}
	if _, ok := s["x/y"]; ok {
		t.Error("failed directory was recorded")
	}
	if _, ok := s["x"]; !ok {
		t.Error("successfully emitted parent was not recorded")
	}
}
