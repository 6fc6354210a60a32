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
package main

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestMain(m *testing.M) {
	// Build the binary before running tests
	wd := mustGetwd()
	cmd := exec.Command("go", "build", "-o", "ngtools_test", ".")
	cmd.Dir = wd
	if out, err := cmd.CombinedOutput(); err != nil {
		panic("failed to build test binary: " + err.Error() + "\n" + string(out))
	}
	code := m.Run()
	_ = os.Remove(filepath.Join(wd, "ngtools_test"))
	os.Exit(code)
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		panic(err)
	}
	return wd
}

func runCLI(t *testing.T, env []string, args ...string) (stdout, stderr string, exitCode int) {
	t.Helper()
	binary := filepath.Join(mustGetwd(), "ngtools_test")
	cmd := exec.Command(binary, args...)
	cmd.Env = append(os.Environ(), env...)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	stdout = stdoutBuf.String()
	stderr = stderrBuf.String()

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			t.Fatalf("Failed to run CLI: %v", err)
		}
	}

	return stdout, stderr, exitCode
}

func readOutput(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected %s to be written: %v", path, err)
	}
	return string(data)
}

func TestBuild(t *testing.T) {
	outDir := t.TempDir()
	fixtureDir := filepath.Join("testdata", "app")

	stdout, stderr, code := runCLI(t, nil, "build", "-p", fixtureDir, "--out-dir", outDir)
	if code != 0 {
		t.Fatalf("Expected exit code 0, got %d\nstdout: %s\nstderr: %s", code, stdout, stderr)
	}

	mainJS := readOutput(t, filepath.Join(outDir, "src", "main.js"))
	if !strings.Contains(mainJS, "greet") {
		t.Errorf("Expected main.js to call greet, got:\n%s", mainJS)
	}

	module := readOutput(t, filepath.Join(outDir, "src", "app", "app.module.js"))
	if !strings.Contains(module, `import("./lazy/lazy.module")`) {
		t.Errorf("Expected lazy route rewritten to a dynamic import, got:\n%s", module)
	}

	// Lazy modules are compiled even though nothing imports them statically.
	readOutput(t, filepath.Join(outDir, "src", "app", "lazy", "lazy.module.js"))

	if strings.Contains(stdout, "error") {
		t.Errorf("Expected no errors, got: %s", stdout)
	}
}

func TestBuildGlob(t *testing.T) {
	outDir := t.TempDir()
	fixtureDir := filepath.Join("testdata", "app")

	_, stderr, code := runCLI(t, nil, "build", "-p", fixtureDir, "--out-dir", outDir, "--glob", "src/shared/**")
	if code != 0 {
		t.Fatalf("Expected exit code 0, got %d\nstderr: %s", code, stderr)
	}

	readOutput(t, filepath.Join(outDir, "src", "shared", "greet.js"))
	if _, err := os.Stat(filepath.Join(outDir, "src", "main.js")); !os.IsNotExist(err) {
		t.Errorf("Expected main.js to be filtered out, got err %v", err)
	}
}

func TestBuildForkedTypeChecker(t *testing.T) {
	outDir := t.TempDir()
	fixtureDir := filepath.Join("testdata", "broken")

	stdout, stderr, code := runCLI(t, []string{"NGTOOLS_FORKTYPECHECKER=true"},
		"build", "-p", fixtureDir, "--out-dir", outDir)
	if code == 0 {
		t.Fatalf("Expected non-zero exit code\nstdout: %s\nstderr: %s", stdout, stderr)
	}

	if !strings.Contains(stdout, "Cannot find module './missing'") {
		t.Errorf("Expected the worker's diagnostic in output, got: %s", stdout)
	}
	if n := strings.Count(stdout, "Cannot find module"); n != 1 {
		t.Errorf("Expected the diagnostic once, got %d times:\n%s", n, stdout)
	}
	if strings.Contains(stdout, "was not type checked") || strings.Contains(stderr, "type checker unavailable") {
		t.Errorf("Expected the worker to start\nstdout: %s\nstderr: %s", stdout, stderr)
	}
}

func TestBuildErrors(t *testing.T) {
	outDir := t.TempDir()
	fixtureDir := filepath.Join("testdata", "broken")

	stdout, stderr, code := runCLI(t, nil, "build", "-p", fixtureDir, "--out-dir", outDir)
	if code == 0 {
		t.Fatal("Expected non-zero exit code for a project with errors")
	}

	expectedStrings := []string{
		filepath.Join("src", "main.ts") + ":1:26",
		"error TS2307",
		"Cannot find module './missing'",
		"Found 1 error(s)",
	}
	for _, s := range expectedStrings {
		if !strings.Contains(stdout, s) {
			t.Errorf("Expected %q in output, got: %s", s, stdout)
		}
	}
	if !strings.Contains(stderr, "build failed") {
		t.Errorf("Expected 'build failed' error, got: %s", stderr)
	}

	// Output is still written for modules that transpile.
	readOutput(t, filepath.Join(outDir, "src", "main.js"))
}

func TestBuildJSONFormat(t *testing.T) {
	fixtureDir := filepath.Join("testdata", "broken")

	stdout, _, _ := runCLI(t, nil, "build", "-p", fixtureDir, "--out-dir", t.TempDir(), "--format", "json")

	var result struct {
		Errors []struct {
			Code    int    `json:"code"`
			File    string `json:"file"`
			Message string `json:"message"`
		} `json:"errors"`
		Warnings []any `json:"warnings"`
	}
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("Failed to parse JSON output: %v\n%s", err, stdout)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("Expected 1 error, got %d", len(result.Errors))
	}
	if result.Errors[0].Code != 2307 {
		t.Errorf("Expected code 2307, got %d", result.Errors[0].Code)
	}
	if !filepath.IsAbs(result.Errors[0].File) {
		t.Errorf("Expected an absolute file path, got %q", result.Errors[0].File)
	}
}

func TestBuildInvalidFormat(t *testing.T) {
	_, stderr, code := runCLI(t, nil, "build", "-p", filepath.Join("testdata", "app"), "--format", "xml")
	if code == 0 {
		t.Error("Expected non-zero exit code for invalid format")
	}
	if !strings.Contains(stderr, "invalid format") {
		t.Errorf("Expected 'invalid format' error, got: %s", stderr)
	}
}

func TestBuildMissingProject(t *testing.T) {
	_, stderr, code := runCLI(t, nil, "build", "-p", t.TempDir())
	if code == 0 {
		t.Error("Expected non-zero exit code without a tsconfig")
	}
	if !strings.Contains(stderr, "no tsconfig.json found") {
		t.Errorf("Expected missing tsconfig error, got: %s", stderr)
	}
}

type routeEntry struct {
	ID        string   `json:"id"`
	Target    string   `json:"target"`
	ChunkName string   `json:"chunkName"`
	Declarers []string `json:"declarers"`
}

func TestRoutes(t *testing.T) {
	fixtureDir := filepath.Join("testdata", "app")

	stdout, stderr, code := runCLI(t, nil, "routes", "-p", fixtureDir)
	if code != 0 {
		t.Fatalf("Expected exit code 0, got %d\nstderr: %s", code, stderr)
	}

	var routes []routeEntry
	if err := json.Unmarshal([]byte(stdout), &routes); err != nil {
		t.Fatalf("Failed to parse JSON output: %v", err)
	}
	if len(routes) != 1 {
		t.Fatalf("Expected 1 route, got %d", len(routes))
	}

	route := routes[0]
	if route.ID != "./lazy/lazy.module#LazyModule" {
		t.Errorf("Expected id './lazy/lazy.module#LazyModule', got %q", route.ID)
	}
	if !strings.HasSuffix(route.Target, filepath.Join("src", "app", "lazy", "lazy.module.ts")) {
		t.Errorf("Expected target lazy.module.ts, got %q", route.Target)
	}
	// nameLazyFiles comes from the fixture's ngtools.yaml.
	if route.ChunkName != "lazy-lazy-module" {
		t.Errorf("Expected chunk name 'lazy-lazy-module', got %q", route.ChunkName)
	}
}

func TestRoutesEnvOverride(t *testing.T) {
	fixtureDir := filepath.Join("testdata", "app")

	stdout, stderr, code := runCLI(t, []string{"NGTOOLS_NAMELAZYFILES=false"}, "routes", "-p", fixtureDir)
	if code != 0 {
		t.Fatalf("Expected exit code 0, got %d\nstderr: %s", code, stderr)
	}

	var routes []routeEntry
	if err := json.Unmarshal([]byte(stdout), &routes); err != nil {
		t.Fatalf("Failed to parse JSON output: %v", err)
	}
	if len(routes) != 1 || routes[0].ChunkName != "" {
		t.Errorf("Expected one unnamed route, got %+v", routes)
	}
}

func TestRoutesOutputFile(t *testing.T) {
	fixtureDir := filepath.Join("testdata", "app")
	outFile := filepath.Join(t.TempDir(), "routes.json")

	stdout, stderr, code := runCLI(t, nil, "routes", "-p", fixtureDir, "-o", outFile)
	if code != 0 {
		t.Fatalf("Expected exit code 0, got %d\nstderr: %s", code, stderr)
	}
	if stdout != "" {
		t.Errorf("Expected empty stdout when writing to file, got: %s", stdout)
	}

	var routes []routeEntry
	if err := json.Unmarshal([]byte(readOutput(t, outFile)), &routes); err != nil {
		t.Fatalf("Failed to parse output file: %v", err)
	}
	if len(routes) != 1 {
		t.Errorf("Expected 1 route, got %d", len(routes))
	}
}

func TestResolve(t *testing.T) {
	fixtureDir := filepath.Join("testdata", "app")
	from := filepath.Join(fixtureDir, "src", "main.ts")

	tests := []struct {
		name     string
		request  string
		expected string
	}{
		{"path mapping", "@shared/greet", filepath.Join("src", "shared", "greet")},
		{"unmapped", "lodash", "lodash"},
		{"relative", "./app/app.module", "./app/app.module"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, stderr, code := runCLI(t, nil, "resolve", tt.request, "-p", fixtureDir, "--from", from)
			if code != 0 {
				t.Fatalf("Expected exit code 0, got %d\nstderr: %s", code, stderr)
			}
			if got := strings.TrimSpace(stdout); !strings.HasSuffix(got, tt.expected) {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestResolveMissingArg(t *testing.T) {
	_, _, code := runCLI(t, nil, "resolve")
	if code == 0 {
		t.Error("Expected non-zero exit code without a request")
	}
}

func TestVersion(t *testing.T) {
	stdout, _, code := runCLI(t, nil, "version")
	if code != 0 {
		t.Fatalf("Expected exit code 0, got %d", code)
	}
	if !strings.HasPrefix(stdout, "ngtools ") {
		t.Errorf("Expected 'ngtools <version>', got: %s", stdout)
	}
}

func TestHelp(t *testing.T) {
	stdout, _, code := runCLI(t, nil, "--help")
	if code != 0 {
		t.Fatalf("Expected exit code 0 for help, got %d", code)
	}

	expectedStrings := []string{
		"ngtools",
		"build",
		"routes",
		"resolve",
		"--project",
		"--output",
	}
	for _, s := range expectedStrings {
		if !strings.Contains(stdout, s) {
			t.Errorf("Expected %q in help output", s)
		}
	}
	if strings.Contains(stdout, "typecheck-worker") {
		t.Error("Expected the worker command to be hidden")
	}
}

func TestBuildHelp(t *testing.T) {
	stdout, _, code := runCLI(t, nil, "build", "--help")
	if code != 0 {
		t.Fatalf("Expected exit code 0 for help, got %d", code)
	}

	expectedStrings := []string{
		"--watch",
		"--out-dir",
		"--glob",
		"--format",
	}
	for _, s := range expectedStrings {
		if !strings.Contains(stdout, s) {
			t.Errorf("Expected %q in build help output", s)
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	_, stderr, code := runCLI(t, nil, "unknown")
	if code == 0 {
		t.Error("Expected non-zero exit code for unknown command")
	}

	if !strings.Contains(stderr, "unknown command") {
		t.Errorf("Expected 'unknown command' error, got: %s", stderr)
	}
}
