package resolve

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/pathutil"
)

// DefaultIndex is served for directory requests unless configured otherwise.
const DefaultIndex = "index.html"

// IndexPolicy decides which file, if any, a directory request serves.
// The zero value serves DefaultIndex.
type IndexPolicy struct {
	disabled bool
	name     string
}

// NoIndex disables directory index lookup; directory requests 404.
func NoIndex() IndexPolicy { return IndexPolicy{disabled: true} }

// IndexFile serves name for directory requests. An empty name means DefaultIndex.
func IndexFile(name string) IndexPolicy { return IndexPolicy{name: name} }

// Name returns the index file name and whether lookup is enabled.
func (p IndexPolicy) Name() (string, bool) {
	if p.disabled {
		return "", false
	}
	if p.name == "" {
		return DefaultIndex, true
	}
	return p.name, true
}

func (p IndexPolicy) String() string {
	if name, ok := p.Name(); ok {
		return name
	}
	return "false"
}

// ParseIndex reads the flag form of an index policy: a boolean, or a file
// name relative to the requested directory.
func ParseIndex(s string) (IndexPolicy, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return IndexPolicy{}, nil
	}
	if b, err := strconv.ParseBool(s); err == nil {
		if b {
			return IndexPolicy{}, nil
		}
		return NoIndex(), nil
	}
	clean, ok := pathutil.Collapse(s)
	if !ok || clean == "" {
		return IndexPolicy{}, fmt.Errorf("invalid index file name %q", s)
	}
	return IndexFile(clean), nil
}
