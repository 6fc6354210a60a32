/*
Copyright © 2026 Benny Powers <web@bennypowers.com>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/
package build

import "testing"

func TestJSName(t *testing.T) {
	tests := []struct {
		in, expected string
	}{
		{"src/main.ts", "src/main.js"},
		{"src/view.tsx", "src/view.js"},
		{"src/legacy.jsx", "src/legacy.js"},
		{"src/esm.mjs", "src/esm.js"},
		{"src/plain.js", "src/plain.js"},
	}
	for _, tt := range tests {
		if got := jsName(tt.in); got != tt.expected {
			t.Errorf("jsName(%q): Expected %q, got %q", tt.in, tt.expected, got)
		}
	}
}

func TestSelected(t *testing.T) {
	b := &builder{globs: []string{"src/app/**", "src/*.ts"}}
	tests := []struct {
		rel      string
		expected bool
	}{
		{"src/app/app.module.ts", true},
		{"src/app/lazy/lazy.module.ts", true},
		{"src/main.ts", true},
		{"src/shared/greet.ts", false},
	}
	for _, tt := range tests {
		if got := b.selected(tt.rel); got != tt.expected {
			t.Errorf("selected(%q): Expected %v, got %v", tt.rel, tt.expected, got)
		}
	}

	all := &builder{}
	if !all.selected("anything.ts") {
		t.Error("Expected every module to be selected without globs")
	}
}

func TestOutput(t *testing.T) {
	b := &builder{outDir: "/p/dist"}
	tests := []struct {
		path     string
		expected bool
	}{
		{"/p/dist/src/main.js", true},
		{"/p/dist", true},
		{"/p/src/main.ts", false},
		{"/p/distant/main.ts", false},
	}
	for _, tt := range tests {
		if got := b.output(tt.path); got != tt.expected {
			t.Errorf("output(%q): Expected %v, got %v", tt.path, tt.expected, got)
		}
	}
}
