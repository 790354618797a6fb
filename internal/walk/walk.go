// Package walk implements the filesystem walker abstraction used by
// catalog scanning, diffing, cleanup, and the Faub client (spec §4.11).
// The original callback contract ("return false to skip a subtree") is
// replaced here by a lazy iterator, per the "Callback-based walker ->
// iterator" design note in spec §9: an implementation returning false
// from the callback maps to the consumer calling Entry.Skip() on the
// entry it just received.
package walk

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/rgennis/managebackups/internal/errs"
)

// Entry is one node yielded by the iterator. `.` and `..` are never
// yielded; symlinks are lstat'd, except that with Options.FollowLinks
// set a symlink to a directory is stat'd and descended into.
type Entry struct {
	Path       string // absolute path
	Depth      int
	SiblingIdx int // count of sibling entries seen so far at this depth
	Root       string
	Info       os.FileInfo // Lstat result (or Stat, if followed)

	isDirForWalk bool
	skip         bool
}

// Skip marks the just-yielded directory entry so the iterator will not
// descend into it. It is a no-op for non-directories.
func (e *Entry) Skip() { e.skip = true }

// Options configures a walk. The include/exclude regexes are applied
// to the basename only.
type Options struct {
	Include     *regexp.Regexp
	Exclude     *regexp.Regexp
	DirsOnly    bool
	MaxDepth    int // 0 means unlimited
	FollowLinks bool
}

// Iterator yields filesystem entries one directory listing at a time:
// all children of a directory are yielded, in name order, before any of
// them is expanded; subdirectories are expanded last-yielded first; and
// every directory is yielded before its contents.
type Iterator struct {
	opts    Options
	root    string
	pending []*Entry
	stack   []*Entry // directories awaiting expansion, LIFO
	err     error
}

// New starts a walk rooted at root.
func New(root string, opts Options) *Iterator {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	it := &Iterator{opts: opts, root: abs}
	it.stack = []*Entry{{Path: abs, Depth: 0, Root: abs, isDirForWalk: true}}
	return it
}

// Err returns the first error encountered, if any.
func (it *Iterator) Err() error { return it.err }

// Next advances the iterator, returning nil when the walk is exhausted.
func (it *Iterator) Next() *Entry {
	for {
		if len(it.pending) > 0 {
			e := it.pending[0]
			it.pending = it.pending[1:]
			if it.opts.DirsOnly && !e.isDirForWalk {
				continue
			}
			if e.isDirForWalk && e.Path != it.root {
				it.stack = append(it.stack, e)
			}
			return e
		}

		if len(it.stack) == 0 {
			return nil
		}

		dir := it.stack[len(it.stack)-1]
		it.stack = it.stack[:len(it.stack)-1]
		if dir.skip {
			continue
		}
		if it.opts.MaxDepth > 0 && dir.Depth >= it.opts.MaxDepth {
			continue
		}

		children, err := it.expand(dir)
		if err != nil {
			it.err = err
			continue
		}
		it.pending = append(it.pending, children...)
	}
}

func (it *Iterator) expand(dir *Entry) ([]*Entry, error) {
	f, err := os.Open(dir.Path)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, err, "opening directory "+dir.Path)
	}
	defer f.Close()
	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, err, "reading directory "+dir.Path)
	}
	sort.Strings(names)

	var out []*Entry
	idx := 0
	for _, n := range names {
		if n == "." || n == ".." {
			continue
		}
		full := filepath.Join(dir.Path, n)
		info, err := os.Lstat(full)
		if err != nil {
			continue
		}

		isDirForWalk := info.IsDir()
		if !isDirForWalk && it.opts.FollowLinks && info.Mode()&os.ModeSymlink != 0 {
			if target, err := os.Stat(full); err == nil && target.IsDir() {
				info = target
				isDirForWalk = true
			}
		}

		if !isDirForWalk {
			if it.opts.Exclude != nil && it.opts.Exclude.MatchString(n) {
				continue
			}
			if it.opts.Include != nil && !it.opts.Include.MatchString(n) {
				continue
			}
		}

		out = append(out, &Entry{
			Path:         full,
			Depth:        dir.Depth + 1,
			SiblingIdx:   idx,
			Root:         it.root,
			Info:         info,
			isDirForWalk: isDirForWalk,
		})
		idx++
	}
	return out, nil
}
