package photozip

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Resolver maps an archive request to an entry on disk.
type Resolver interface {
	Resolve(ctx context.Context, req ArchiveRequest) (Entry, error)
}

// ResolverFunc implements Resolver.
type ResolverFunc func(context.Context, ArchiveRequest) (Entry, error)

func (f ResolverFunc) Resolve(ctx context.Context, req ArchiveRequest) (Entry, error) {
	return f(ctx, req)
}

// Resolve treats req.Identifier as an untrusted name of a direct child of
// req.Root. It returns ErrNotFound if the entry does not exist, is the root
// itself, is nested or lies outside of the root once symlinks have been
// followed.
func Resolve(_ context.Context, req ArchiveRequest) (Entry, error) {
	id := req.Identifier
	if id == "" || strings.IndexByte(id, 0) >= 0 || strings.ContainsAny(id, `/\`) {
		return Entry{}, ErrNotFound
	}
	root, err := filepath.Abs(req.Root)
	if err != nil {
		return Entry{}, fmt.Errorf("photozip: resolve root: %w", err)
	}
	p := filepath.Join(root, id)
	if !within(root, p) {
		return Entry{}, ErrNotFound
	}

	croot, err := filepath.EvalSymlinks(root)
	if errors.Is(err, fs.ErrNotExist) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("photozip: resolve root: %w", err)
	}
	cp, err := filepath.EvalSymlinks(p)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, unix.ENOTDIR) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("photozip: resolve %q: %w", id, err)
	}
	if !within(croot, cp) {
		return Entry{}, ErrNotFound
	}
	return Entry{Identifier: id, Path: cp}, nil
}

// within reports whether p is strictly below root. Both must be clean and
// absolute.
func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
