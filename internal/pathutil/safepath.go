package pathutil

import "strings"

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// Collapse walks the slash-separated segments of p, dropping empty and "."
// segments and letting ".." pop its parent. The result is relative (no leading
// slash) and "" names the root. ok is false when a ".." would climb above the
// root, or p contains a NUL byte or a backslash.
func Collapse(p string) (clean string, ok bool) {
	if strings.ContainsAny(p, "\x00\\") {
		return "", false
	}
	if !HasDotSegments(p) && !strings.Contains(p, "//") {
		return strings.Trim(p, "/"), true
	}

	segs := strings.Split(p, "/")
	out := make([]string, 0, len(segs))
	for _, seg := range segs {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(out) == 0 {
				return "", false
			}
			out = out[:len(out)-1]
		default:
			out = append(out, seg)
		}
	}
	return strings.Join(out, "/"), true
}
