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
package lazyroute

import (
	"context"
	"slices"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"

	"bennypowers.dev/ngtools/diagnostics"
	"bennypowers.dev/ngtools/program"
	"bennypowers.dev/ngtools/resolve"
	"bennypowers.dev/ngtools/testutil"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"./lazy/lazy.module", "./lazy/lazy.module"},
		{"./lazy/lazy.module.ts", "./lazy/lazy.module"},
		{"./lazy/index", "./lazy"},
		{"./lazy/index.ts", "./lazy"},
		{"./a/../b/./c.js", "./b/c"},
		{"../shared/feature", "../shared/feature"},
		{"@scope/pkg/index", "@scope/pkg"},
		{"./index", "."},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}

func TestChunkName(t *testing.T) {
	if got := ChunkName("./lazy/lazy.module#LazyModule"); got != "lazy-lazy-module" {
		t.Errorf("Expected lazy-lazy-module, got %q", got)
	}
	if got := ChunkName("../admin#AdminModule"); got != "admin" {
		t.Errorf("Expected admin, got %q", got)
	}
}

var routeFiles = map[string]string{
	"/p/src/app/routes.ts": `export const routes = [
  { path: 'a', loadChildren: './lazy/index.ts#LazyModule' },
  { path: 'b', loadChildren: () => import('./eager/eager.module').then(m => m.EagerModule) },
  { path: 'c', loadChildren: './gone/gone.module#GoneModule' },
  { path: 'd', loadChildren: './lazy#' },
];
`,
	"/p/src/app/lazy/index.ts":         "export class LazyModule {}\n",
	"/p/src/app/eager/eager.module.ts": "export class EagerModule {}\n",
	"/p/src/other/routes.ts":           "export const routes = [{ loadChildren: './lazy#LazyModule' }];\n",
	"/p/src/other/lazy.ts":             "export class LazyModule {}\n",
}

func build(t *testing.T, mode program.Mode, roots ...string) program.Program {
	t.Helper()
	mfs := testutil.NewProjectFS(t, routeFiles)
	resolver, err := resolve.New(mfs, resolve.Options{})
	if err != nil {
		t.Fatal(err)
	}
	p, err := program.Build(context.Background(), program.NewHost(mfs, nil),
		program.Options{Mode: mode, Resolver: resolver}, roots)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return p
}

func TestStatic(t *testing.T) {
	p := build(t, program.ModeDirect, "/p/src/app/routes.ts")

	routes, warnings := Static(p, []string{"/p/src/app/routes.ts", "/p/src/app/routes.ts", "/p/not/in/program.ts"})
	if len(routes) != 2 {
		t.Fatalf("Expected 2 routes, got %+v", routes)
	}
	if routes[0].ID != "./lazy#LazyModule" || routes[0].Target != "/p/src/app/lazy/index.ts" {
		t.Errorf("Expected normalized lazy route, got %+v", routes[0])
	}
	if routes[1].ID != "./eager/eager.module#EagerModule" || !routes[1].Dynamic {
		t.Errorf("Expected dynamic eager route, got %+v", routes[1])
	}
	if len(warnings) != 1 || warnings[0].Code != diagnostics.CodeLazyRouteMissing || warnings[0].Category != diagnostics.Warning {
		t.Errorf("Expected one unresolved-route warning, got %v", warnings)
	}
}

func TestWholeProgramMatchesStatic(t *testing.T) {
	p := build(t, program.ModeStructured, "/p/src/app/routes.ts")

	whole, warnings := WholeProgram(p.(program.Structural))
	static, _ := Static(p, p.SourceFiles())
	if !slices.Equal(whole, static) {
		t.Errorf("Expected whole-program routes %+v to equal static routes %+v", whole, static)
	}
	if len(warnings) != 1 {
		t.Errorf("Expected one warning, got %v", warnings)
	}
}

func TestMergeIdempotent(t *testing.T) {
	p := build(t, program.ModeDirect, "/p/src/app/routes.ts")
	m := NewMap(false)

	routes, _ := Static(p, []string{"/p/src/app/routes.ts"})
	added, err := m.Merge(routes)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if !slices.Equal(added, []string{"/p/src/app/eager/eager.module.ts", "/p/src/app/lazy/index.ts"}) {
		t.Errorf("Expected both targets new, got %v", added)
	}
	before := m.Entries()

	again, _ := Static(p, []string{"/p/src/app/routes.ts"})
	added, err = m.Merge(again)
	if err != nil {
		t.Fatalf("Second merge failed: %v", err)
	}
	if len(added) != 0 {
		t.Errorf("Expected no new targets on re-extraction, got %v", added)
	}
	if after := m.Entries(); !slices.EqualFunc(before, after, func(a, b Entry) bool {
		return a.ID == b.ID && a.Target == b.Target && slices.Equal(a.Declarers, b.Declarers)
	}) {
		t.Errorf("Expected unchanged map, got %+v then %+v", before, after)
	}
}

func TestMergeConflict(t *testing.T) {
	p := build(t, program.ModeDirect, "/p/src/app/routes.ts", "/p/src/other/routes.ts")
	m := NewMap(false)
	if _, err := m.Merge([]Route{{ID: "./seed#Seed", Target: "/p/seed.ts", Declarer: "/p/main.ts"}}); err != nil {
		t.Fatal(err)
	}
	before := m.Entries()

	routes, _ := Static(p, []string{"/p/src/app/routes.ts", "/p/src/other/routes.ts"})
	added, err := m.Merge(routes)
	if !errors.Is(err, ErrRouteConflict) {
		t.Fatalf("Expected ErrRouteConflict, got %v", err)
	}
	if len(added) != 0 {
		t.Errorf("Expected no targets from a rejected batch, got %v", added)
	}
	if _, ok := m.Lookup("./lazy#LazyModule"); ok {
		t.Error("Expected the conflicting route not to be merged")
	}
	if after := m.Entries(); !slices.EqualFunc(before, after, func(a, b Entry) bool {
		return a.ID == b.ID && a.Target == b.Target && slices.Equal(a.Declarers, b.Declarers)
	}) {
		t.Errorf("Expected a rejected batch to leave the map unchanged, got %+v", after)
	}
}

func TestReplace(t *testing.T) {
	m := NewMap(false)
	_, err := m.Merge([]Route{
		{ID: "./x#X", Target: "/p/x.ts", Declarer: "/p/a.ts"},
		{ID: "./y#Y", Target: "/p/y.ts", Declarer: "/p/a.ts"},
		{ID: "./y#Y", Target: "/p/y.ts", Declarer: "/p/b.ts"},
		{ID: "./z#Z", Target: "/p/z.ts"},
	})
	if err != nil {
		t.Fatal(err)
	}

	added, err := m.Replace([]string{"/p/a.ts"}, []Route{{ID: "./w#W", Target: "/p/w.ts", Declarer: "/p/a.ts"}})
	if err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if !slices.Equal(added, []string{"/p/w.ts"}) {
		t.Errorf("Expected the new target reported, got %v", added)
	}
	if _, ok := m.Lookup("./x#X"); ok {
		t.Error("Expected a route its only declarer stopped declaring to be removed")
	}
	if _, ok := m.Lookup("./y#Y"); !ok {
		t.Error("Expected a route another module still declares to be kept")
	}
	if _, ok := m.Lookup("./z#Z"); !ok {
		t.Error("Expected configured routes to be kept")
	}

	if _, err := m.Replace([]string{"/p/a.ts"}, nil); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(m.Targets(), []string{"/p/y.ts", "/p/z.ts"}) {
		t.Errorf("Expected a rescan without routes to drop the declarer's routes, got %v", m.Targets())
	}
}

func TestReplaceConflictLeavesMapUnchanged(t *testing.T) {
	m := NewMap(false)
	if _, err := m.Merge([]Route{
		{ID: "./x#X", Target: "/p/x.ts", Declarer: "/p/a.ts"},
		{ID: "./y#Y", Target: "/p/y.ts", Declarer: "/p/b.ts"},
	}); err != nil {
		t.Fatal(err)
	}

	_, err := m.Replace([]string{"/p/a.ts"}, []Route{
		{ID: "./v#V", Target: "/p/v.ts", Declarer: "/p/a.ts"},
		{ID: "./y#Y", Target: "/p/other/y.ts", Declarer: "/p/a.ts"},
	})
	if !errors.Is(err, ErrRouteConflict) {
		t.Fatalf("Expected ErrRouteConflict, got %v", err)
	}
	if !slices.Equal(m.Targets(), []string{"/p/x.ts", "/p/y.ts"}) {
		t.Errorf("Expected the map unchanged, got %v", m.Targets())
	}
}

func TestDropTarget(t *testing.T) {
	m := NewMap(false)
	if _, err := m.Merge([]Route{
		{ID: "./x#X", Target: "/p/x.ts", Declarer: "/p/a.ts"},
		{ID: "./x/index#X", Target: "/p/x.ts", Declarer: "/p/b.ts"},
		{ID: "./cfg#X", Target: "/p/x.ts"},
		{ID: "./y#Y", Target: "/p/y.ts", Declarer: "/p/a.ts"},
	}); err != nil {
		t.Fatal(err)
	}

	declarers := m.DropTarget("/p/x.ts")
	if !slices.Equal(declarers, []string{"/p/a.ts", "/p/b.ts"}) {
		t.Errorf("Expected both declarers, got %v", declarers)
	}
	if !slices.Equal(m.Targets(), []string{"/p/y.ts"}) {
		t.Errorf("Expected only y.ts left, got %v", m.Targets())
	}
}

func TestMergeSameTarget(t *testing.T) {
	m := NewMap(true)
	routes := []Route{
		{ID: "./x#X", Target: "/p/x.ts", Declarer: "/p/a.ts"},
		{ID: "./x#X", Target: "/p/x.ts", Declarer: "/p/b.ts"},
	}
	if _, err := m.Merge(routes); err != nil {
		t.Fatalf("Expected same-target routes to merge, got %v", err)
	}
	entries := m.Entries()
	if len(entries) != 1 || !slices.Equal(entries[0].Declarers, []string{"/p/a.ts", "/p/b.ts"}) {
		t.Errorf("Expected one entry with two declarers, got %+v", entries)
	}
	if entries[0].ChunkName != "x" {
		t.Errorf("Expected chunk name x, got %q", entries[0].ChunkName)
	}

	if removed := m.DropDeclarer("/p/a.ts"); len(removed) != 0 {
		t.Errorf("Expected route kept while b.ts declares it, got %v", removed)
	}
	if removed := m.DropDeclarer("/p/b.ts"); !slices.Equal(removed, []string{"./x#X"}) {
		t.Errorf("Expected route removed with its last declarer, got %v", removed)
	}
	if m.Len() != 0 {
		t.Errorf("Expected empty map, got %d", m.Len())
	}
}

func TestMergeRepointBySoleDeclarer(t *testing.T) {
	m := NewMap(false)
	if _, err := m.Merge([]Route{{ID: "./x#X", Target: "/p/x.ts", Declarer: "/p/a.ts"}}); err != nil {
		t.Fatal(err)
	}
	added, err := m.Merge([]Route{{ID: "./x#X", Target: "/p/x/index.ts", Declarer: "/p/a.ts"}})
	if err != nil {
		t.Fatalf("Expected sole declarer to re-point its route, got %v", err)
	}
	if !slices.Equal(added, []string{"/p/x/index.ts"}) {
		t.Errorf("Expected the new target reported, got %v", added)
	}
}

func TestExisting(t *testing.T) {
	routes := []Route{
		{ID: "./x#X", Target: "/p/x.ts", Declarer: "/p/a.ts"},
		{ID: "./gone#Gone", Target: "/p/gone.ts", Declarer: "/p/a.ts"},
	}
	kept, warnings := Existing(routes, func(path string) bool { return path == "/p/x.ts" })
	if len(kept) != 1 || kept[0].ID != "./x#X" {
		t.Errorf("Expected only ./x#X kept, got %+v", kept)
	}
	if len(warnings) != 1 {
		t.Fatalf("Expected one warning, got %v", warnings)
	}
	w := warnings[0]
	if w.Category != diagnostics.Warning || w.Code != diagnostics.CodeLazyRouteMissing || w.File != "/p/a.ts" {
		t.Errorf("Expected a missing-route warning on /p/a.ts, got %s", w)
	}
	if !strings.Contains(w.Message, "'./gone'") {
		t.Errorf("Expected the route's module in the message, got %q", w.Message)
	}
}

func TestAdditional(t *testing.T) {
	routes := Additional(map[string]string{
		"admin#AdminModule": "src/admin/admin.module.ts",
		"abs":               "/q/abs.ts",
	}, "/p")
	if len(routes) != 2 {
		t.Fatalf("Expected 2 routes, got %+v", routes)
	}
	if routes[0].ID != "abs" || routes[0].Target != "/q/abs.ts" {
		t.Errorf("Expected absolute target kept, got %+v", routes[0])
	}
	if routes[1].Target != "/p/src/admin/admin.module.ts" || routes[1].ExportName != "AdminModule" {
		t.Errorf("Expected target joined to base path, got %+v", routes[1])
	}
}
