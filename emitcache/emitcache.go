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

// Package emitcache persists emitted modules across process runs, keyed
// by module content and the options that shape emission.
package emitcache

import (
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	ngfs "bennypowers.dev/ngtools/fs"
	"bennypowers.dev/ngtools/program"
)

// Current schema version - increment when Entry changes.
const schemaVersion uint16 = 1

// Entry is one cached emit result.
type Entry struct {
	Schema    uint16 `msgpack:"schema"`
	ID        string `msgpack:"id"`
	Text      string `msgpack:"text"`
	SourceMap string `msgpack:"sourceMap,omitempty"`
}

// Cache stores entries as msgpack files under a directory. Writes go to a
// temporary file that is renamed into place. Safe for concurrent use.
type Cache struct {
	fs          ngfs.FileSystem
	dir         string
	fingerprint string

	mu     sync.RWMutex
	hits   atomic.Int64
	misses atomic.Int64
}

// Open creates the cache directory. fingerprint identifies the emit
// options; entries written under another fingerprint are never read.
func Open(fsys ngfs.FileSystem, dir, fingerprint string) (*Cache, error) {
	dir = filepath.Join(dir, "emit")
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating emit cache %s", dir)
	}
	return &Cache{fs: fsys, dir: dir, fingerprint: fingerprint}, nil
}

// Fingerprint hashes the emit options.
func Fingerprint(opts any) (string, error) {
	data, err := msgpack.Marshal(opts)
	if err != nil {
		return "", errors.Wrap(err, "fingerprinting emit options")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (c *Cache) pathFor(id, contentHash string) string {
	h := sha256.New()
	h.Write([]byte(c.fingerprint))
	h.Write([]byte{0})
	h.Write([]byte(id))
	h.Write([]byte{0})
	h.Write([]byte(contentHash))
	key := hex.EncodeToString(h.Sum(nil))
	return filepath.Join(c.dir, key[:2], key+".mp")
}

// Get returns the cached output of id at contentHash.
func (c *Cache) Get(id, contentHash string) (program.Output, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := c.fs.ReadFile(c.pathFor(id, contentHash))
	if err != nil {
		c.misses.Add(1)
		if errors.Is(err, fs.ErrNotExist) {
			return program.Output{}, false, nil
		}
		return program.Output{}, false, errors.Wrapf(err, "reading emit cache for %s", id)
	}

	var entry Entry
	if err := msgpack.Unmarshal(data, &entry); err != nil || entry.Schema != schemaVersion || entry.ID != id {
		c.misses.Add(1)
		return program.Output{}, false, nil
	}
	c.hits.Add(1)
	return program.Output{Text: entry.Text, SourceMap: entry.SourceMap}, true, nil
}

// Put stores the output of id at contentHash.
func (c *Cache) Put(id, contentHash string, out program.Output) error {
	data, err := msgpack.Marshal(&Entry{
		Schema:    schemaVersion,
		ID:        id,
		Text:      out.Text,
		SourceMap: out.SourceMap,
	})
	if err != nil {
		return errors.Wrapf(err, "encoding emit cache entry for %s", id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.pathFor(id, contentHash)
	if err := c.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return errors.Wrap(err, "creating emit cache shard")
	}
	tmp := p + ".tmp-" + uuid.NewString()
	if err := c.fs.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing emit cache entry for %s", id)
	}
	if err := c.fs.Rename(tmp, p); err != nil {
		_ = c.fs.Remove(tmp)
		return errors.Wrapf(err, "installing emit cache entry for %s", id)
	}
	return nil
}

// Stats reports cache hits and misses since Open.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
