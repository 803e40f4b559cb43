// Package inputs enumerates the files a batch campaign submits: decodable
// images and .zip archives under a local directory.
package inputs

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	// Decoders registered for IsImage.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/kioskbench/pkg/match"
)

var archiveExtensions = map[string]bool{".zip": true}

// File is one qualifying input.
type File struct {
	// Path is the local path, suitable for opening.
	Path string
	// Rel is the slash-separated path relative to the walk root.
	Rel  string
	Size int64
}

// Options narrows the walk. The zero value admits every image and archive.
type Options struct {
	Matcher *match.Matcher
	Filter  *match.Filter

	// SkipArchives leaves .zip files out.
	SkipArchives bool
}

// ErrStop can be returned by a Walk callback to end the walk early without
// an error.
var ErrStop = errors.New("stop walk")

// Walk calls fn for each qualifying file under root in lexical order. Files
// are inspected one at a time as the walk reaches them. When root is itself
// a file, fn is called at most once.
func Walk(ctx context.Context, root string, opts Options, fn func(File) error) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("stat input root: %w", err)
	}
	if !info.IsDir() {
		if !opts.Filter.Match(info) || !qualifies(root, opts) {
			return nil
		}
		return stopped(fn(File{Path: root, Rel: filepath.Base(root), Size: info.Size()}))
	}

	m := opts.Matcher
	if m == nil {
		if m, err = match.New(match.Config{}); err != nil {
			return err
		}
	}

	fsys := os.DirFS(root)
	for _, base := range m.Roots() {
		pattern := "**"
		if base != "." {
			pattern = path.Join(doublestarEscape(base), "**")
		}
		err := doublestar.GlobWalk(fsys, pattern, func(rel string, d fs.DirEntry) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || !m.Match(rel) {
				return nil
			}
			fi, err := d.Info()
			if err != nil {
				return nil
			}
			if !fi.Mode().IsRegular() || !opts.Filter.Match(fi) {
				return nil
			}
			local := filepath.Join(root, filepath.FromSlash(rel))
			if !qualifies(local, opts) {
				return nil
			}
			return fn(File{Path: local, Rel: rel, Size: fi.Size()})
		}, doublestar.WithFilesOnly(), doublestar.WithNoFollow())
		if err != nil {
			return stopped(err)
		}
	}
	return nil
}

// List collects Walk's results.
func List(ctx context.Context, root string, opts Options) ([]File, error) {
	var out []File
	err := Walk(ctx, root, opts, func(f File) error {
		out = append(out, f)
		return nil
	})
	return out, err
}

func stopped(err error) error {
	if errors.Is(err, ErrStop) {
		return nil
	}
	return err
}

func qualifies(local string, opts Options) bool {
	if IsArchive(local) {
		return !opts.SkipArchives
	}
	return IsImage(local)
}

// IsArchive reports whether p has an archive extension.
func IsArchive(p string) bool {
	return archiveExtensions[strings.ToLower(filepath.Ext(p))]
}

// IsImage reports whether p holds an image header a registered decoder
// understands. Unreadable files are not images.
func IsImage(p string) bool {
	f, err := os.Open(p)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()
	_, _, err = image.DecodeConfig(f)
	return err == nil
}

func doublestarEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`*?[]{}\`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
