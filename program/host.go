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
package program

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/cockroachdb/errors"

	"bennypowers.dev/ngtools/fs"
	"bennypowers.dev/ngtools/syntax"
)

// SourceFile is an analyzed module as read through the Host.
type SourceFile struct {
	Path     string
	Content  []byte
	Analysis *syntax.Analysis
	// ContentHash is the sha256 of Content.
	ContentHash string
}

// IsDeclaration reports whether the file is a .d.ts declaration file.
func (sf *SourceFile) IsDeclaration() bool {
	return isDeclaration(sf.Path)
}

// Host is the compiler host: it reads and analyzes source files through
// the injected file system and caches them across program generations.
// Only invalidated files are re-read.
type Host struct {
	fs           fs.FileSystem
	replacements map[string]string

	mu    sync.Mutex
	files map[string]*SourceFile
	reads int
}

// NewHost creates a Host. Reading a key of replacements yields the
// content of its value.
func NewHost(fsys fs.FileSystem, replacements map[string]string) *Host {
	return &Host{
		fs:           fsys,
		replacements: replacements,
		files:        make(map[string]*SourceFile),
	}
}

// FileExists reports whether path can be read through the host.
func (h *Host) FileExists(path string) bool {
	if target, ok := h.replacements[path]; ok {
		return fs.IsFile(h.fs, target)
	}
	return fs.IsFile(h.fs, path)
}

// SourceFile returns the analyzed file at path, reading it on first use.
func (h *Host) SourceFile(path string) (*SourceFile, error) {
	h.mu.Lock()
	if sf, ok := h.files[path]; ok {
		h.mu.Unlock()
		return sf, nil
	}
	h.mu.Unlock()

	readPath := path
	if target, ok := h.replacements[path]; ok {
		readPath = target
	}
	content, err := h.fs.ReadFile(readPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	analysis, err := syntax.Analyze(path, content)
	if err != nil {
		return nil, errors.Wrapf(err, "analyzing %s", path)
	}
	sum := sha256.Sum256(content)
	sf := &SourceFile{
		Path:        path,
		Content:     content,
		Analysis:    analysis,
		ContentHash: hex.EncodeToString(sum[:]),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if cached, ok := h.files[path]; ok {
		return cached, nil
	}
	h.files[path] = sf
	h.reads++
	return sf, nil
}

// Cached returns the file if the host has already read it.
func (h *Host) Cached(path string) (*SourceFile, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sf, ok := h.files[path]
	return sf, ok
}

// Invalidate forgets the given files, and any files whose replacement
// points at one of them, so the next read sees current content.
func (h *Host) Invalidate(paths ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range paths {
		delete(h.files, p)
		for from, to := range h.replacements {
			if to == p {
				delete(h.files, from)
			}
		}
	}
}

// Refresh invalidates changed and reports whether any of them appeared or
// disappeared since the host last read it. Module resolutions cached
// elsewhere are stale when it does.
func (h *Host) Refresh(changed []string) (structural bool) {
	for _, p := range changed {
		_, cached := h.Cached(p)
		if cached != h.FileExists(p) {
			structural = true
		}
	}
	h.Invalidate(changed...)
	return structural
}

// Reset forgets every file.
func (h *Host) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files = make(map[string]*SourceFile)
}

// Reads reports how many files the host has read and analyzed.
func (h *Host) Reads() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reads
}
