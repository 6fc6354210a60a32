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
package packagejson_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"bennypowers.dev/ngtools/packagejson"
)

func TestMemoryCacheGetOrLoad(t *testing.T) {
	cache := packagejson.NewMemoryCache()

	var loadCount atomic.Int32
	loader := func() (*packagejson.PackageJSON, error) {
		loadCount.Add(1)
		return &packagejson.PackageJSON{Name: "loaded"}, nil
	}

	pkg, err := cache.GetOrLoad("/node_modules/a/package.json", loader)
	if err != nil {
		t.Fatalf("GetOrLoad failed: %v", err)
	}
	if pkg.Name != "loaded" {
		t.Errorf("Expected name 'loaded', got %q", pkg.Name)
	}

	if _, err := cache.GetOrLoad("/node_modules/a/package.json", loader); err != nil {
		t.Fatalf("GetOrLoad failed: %v", err)
	}
	if loadCount.Load() != 1 {
		t.Errorf("Expected loader to be called once, called %d times", loadCount.Load())
	}
}

func TestMemoryCacheGetOrLoadConcurrent(t *testing.T) {
	cache := packagejson.NewMemoryCache()

	var loadCount atomic.Int32
	loader := func() (*packagejson.PackageJSON, error) {
		loadCount.Add(1)
		return &packagejson.PackageJSON{Name: "shared"}, nil
	}

	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			if _, err := cache.GetOrLoad("/package.json", loader); err != nil {
				t.Errorf("GetOrLoad failed: %v", err)
			}
		})
	}
	wg.Wait()

	if loadCount.Load() != 1 {
		t.Errorf("Expected a single load, got %d", loadCount.Load())
	}
}

func TestMemoryCacheFailedLoadIsRetried(t *testing.T) {
	cache := packagejson.NewMemoryCache()

	calls := 0
	loader := func() (*packagejson.PackageJSON, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("boom")
		}
		return &packagejson.PackageJSON{Name: "second"}, nil
	}

	if _, err := cache.GetOrLoad("/package.json", loader); err == nil {
		t.Fatal("Expected first load to fail")
	}
	pkg, err := cache.GetOrLoad("/package.json", loader)
	if err != nil {
		t.Fatalf("Expected retry to succeed, got %v", err)
	}
	if pkg.Name != "second" {
		t.Errorf("Expected 'second', got %q", pkg.Name)
	}
}

func TestMemoryCacheInvalidateAndPurge(t *testing.T) {
	cache := packagejson.NewMemoryCache()
	load := func(name string) func() (*packagejson.PackageJSON, error) {
		return func() (*packagejson.PackageJSON, error) {
			return &packagejson.PackageJSON{Name: name}, nil
		}
	}

	_, _ = cache.GetOrLoad("/a/package.json", load("a"))
	_, _ = cache.GetOrLoad("/b/package.json", load("b"))

	cache.Invalidate("/a/package.json")
	if pkg, _ := cache.GetOrLoad("/a/package.json", load("a2")); pkg.Name != "a2" {
		t.Errorf("Expected reload after invalidation, got %q", pkg.Name)
	}
	if pkg, _ := cache.GetOrLoad("/b/package.json", load("b2")); pkg.Name != "b" {
		t.Errorf("Expected unrelated entry to survive invalidation, got %q", pkg.Name)
	}

	cache.Purge()
	pkg, _ := cache.GetOrLoad("/b/package.json", load("reloaded"))
	if pkg.Name != "reloaded" {
		t.Errorf("Expected reload after purge, got %q", pkg.Name)
	}
}
