package cfg

import (
	"fmt"
	"net/http"
	"strings"
)

// ParseMethods reads a comma list of HTTP methods. Methods are upper-cased
// and deduplicated in order.
func ParseMethods(s string) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	for _, m := range strings.Split(s, ",") {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m == "" {
			continue
		}
		if !isToken(m) {
			return nil, fmt.Errorf("method %q is not a valid token", m)
		}
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no methods in %q", s)
	}
	return out, nil
}

// ParseHeaders reads "Name: value" lines into a header set. Repeated names
// add values.
func ParseHeaders(lines []string) (http.Header, error) {
	if len(lines) == 0 {
		return nil, nil
	}
	h := make(http.Header, len(lines))
	for _, line := range lines {
		name, value, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" || !isToken(name) {
			return nil, fmt.Errorf("header %q: want 'Name: value'", line)
		}
		h.Add(name, strings.TrimSpace(value))
	}
	return h, nil
}

// ParseMimeTypes reads ".ext=type" pairs. The leading dot is optional.
func ParseMimeTypes(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		ext, typ, ok := strings.Cut(p, "=")
		ext = strings.ToLower(strings.TrimSpace(ext))
		typ = strings.TrimSpace(typ)
		if !ok || ext == "" || ext == "." || typ == "" {
			return nil, fmt.Errorf("mime %q: want '.ext=type'", p)
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out[ext] = typ
	}
	return out, nil
}

// isToken reports whether s is an RFC 9110 token.
func isToken(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return false
		}
	}
	return s != ""
}
