package devhandler

import (
	"mime"
	"path"
	"strings"
)

// extraTypes covers build outputs the platform tables tend to miss.
var extraTypes = map[string]string{
	".map":         "application/json; charset=utf-8",
	".mjs":         "text/javascript; charset=utf-8",
	".usdz":        "model/vnd.usdz+zip",
	".wasm":        "application/wasm",
	".webmanifest": "application/manifest+json",
}

func normalizeMimeTypes(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for ext, typ := range in {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out[ext] = typ
	}
	return out
}

// contentType returns the type for name, or "" for an unknown extension.
func (h *Handler) contentType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		return ""
	}
	if t, ok := h.mimeTypes[ext]; ok {
		return t
	}
	if t, ok := extraTypes[ext]; ok {
		return t
	}
	return mime.TypeByExtension(ext)
}
