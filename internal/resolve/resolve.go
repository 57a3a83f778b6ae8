// Package resolve maps request URL paths onto files inside mounted build
// output trees.
//
// A Mount pairs a URL prefix (the public path) with a directory inside an
// fs.FS. Resolve tries mounts in order and distinguishes a path no mount
// claims (ErrSkip, the caller falls through) from a claimed path with nothing
// servable behind it (ErrNotFound, the caller answers 404). Filesystem errors
// are never surfaced: anything that cannot be stat'ed is not found.
package resolve

import (
	"context"
	"errors"
	"io/fs"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/pathutil"
)

// AutoPublicPath makes a mount take its prefix from the request's base path.
const AutoPublicPath = "auto"

var (
	// ErrSkip means no mount's public path covers the request.
	ErrSkip = errors.New("resolve: no mount for path")

	// ErrNotFound means a mount claimed the path but holds no servable file.
	ErrNotFound = errors.New("resolve: not found")
)

// Mount is one servable output tree.
type Mount struct {
	Target     string
	OutputRoot string // directory inside FS, "" or "." for the FS root
	PublicPath string // URL prefix, a full URL, "" for "/", or AutoPublicPath
	FS         fs.FS
}

// Asset is a resolved regular file. Directories never resolve directly; they
// resolve through the index policy or not at all.
type Asset struct {
	Target  string
	FS      fs.FS
	Path    string // slash-separated name inside FS
	Size    int64
	ModTime time.Time
}

type basePathKey struct{}

// WithBasePath records the prefix "auto" mounts should use for requests
// carrying ctx.
func WithBasePath(ctx context.Context, base string) context.Context {
	return context.WithValue(ctx, basePathKey{}, base)
}

// BasePath returns the base path recorded on ctx, or "/".
func BasePath(ctx context.Context) string {
	if v, ok := ctx.Value(basePathKey{}).(string); ok && v != "" {
		return v
	}
	return "/"
}

// Prefix normalizes a public path into an absolute URL path prefix ending in
// "/". Full and protocol-relative URLs contribute only their path, and
// percent-escapes are decoded to match decoded request paths. ok is false when
// the public path cannot be parsed; such a mount matches nothing.
func Prefix(publicPath, base string) (prefix string, ok bool) {
	p := strings.TrimSpace(publicPath)
	if p == AutoPublicPath {
		p = base
	}
	if p == "" {
		return "/", true
	}

	if strings.Contains(p, "://") || strings.HasPrefix(p, "//") {
		u, err := url.Parse(p)
		if err != nil {
			return "", false
		}
		p = u.Path
	} else {
		dec, err := url.PathUnescape(p)
		if err != nil {
			return "", false
		}
		p = dec
	}

	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p, true
}

// Match reports whether urlPath falls under prefix and returns the remainder.
// The prefix without its trailing slash matches too, so "/static" is the
// root of "/static/".
func Match(prefix, urlPath string) (rest string, ok bool) {
	if strings.HasPrefix(urlPath, prefix) {
		return urlPath[len(prefix):], true
	}
	if urlPath+"/" == prefix {
		return "", true
	}
	return "", false
}

// Claims reports whether mount m's public path covers urlPath.
func Claims(m Mount, urlPath, base string) bool {
	prefix, ok := Prefix(m.PublicPath, base)
	if !ok {
		return false
	}
	_, ok = Match(prefix, urlPath)
	return ok
}

// Resolve finds the file urlPath names. Mounts are tried in order; a mount
// that claims the path but lacks the file hands over to the next claiming
// mount, so targets sharing a prefix each serve their own files.
func Resolve(urlPath, base string, mounts []Mount, index IndexPolicy) (Asset, error) {
	if urlPath == "" {
		urlPath = "/"
	}

	claimed := false
	for _, m := range mounts {
		if m.FS == nil {
			continue
		}
		prefix, ok := Prefix(m.PublicPath, base)
		if !ok {
			continue
		}
		rest, ok := Match(prefix, urlPath)
		if !ok {
			continue
		}
		claimed = true

		if a, ok := lookup(m, rest, index); ok {
			return a, nil
		}
	}

	if claimed {
		return Asset{}, ErrNotFound
	}
	return Asset{}, ErrSkip
}

func lookup(m Mount, rest string, index IndexPolicy) (Asset, bool) {
	rel, ok := pathutil.Collapse(rest)
	if !ok {
		return Asset{}, false
	}
	root, ok := Root(m.OutputRoot)
	if !ok {
		return Asset{}, false
	}

	name := join(root, rel)
	info, ok := stat(m.FS, name)
	if !ok {
		return Asset{}, false
	}

	if info.IsDir() {
		idx, enabled := index.Name()
		if !enabled {
			return Asset{}, false
		}
		name = join(name, idx)
		if info, ok = stat(m.FS, name); !ok {
			return Asset{}, false
		}
	}

	if !info.Mode().IsRegular() {
		return Asset{}, false
	}

	return Asset{
		Target:  m.Target,
		FS:      m.FS,
		Path:    name,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, true
}

// Root normalizes an output root into an fs.FS name. Roots that climb out of
// the filesystem are rejected.
func Root(outputRoot string) (string, bool) {
	r, ok := pathutil.Collapse(outputRoot)
	if !ok {
		return "", false
	}
	if r == "" {
		return ".", true
	}
	return r, true
}

func join(dir, name string) string {
	switch {
	case name == "":
		return dir
	case dir == ".":
		return name
	default:
		return path.Join(dir, name)
	}
}

func stat(fsys fs.FS, name string) (fs.FileInfo, bool) {
	if !fs.ValidPath(name) {
		return nil, false
	}
	info, err := fs.Stat(fsys, name)
	if err != nil {
		return nil, false
	}
	return info, true
}
