package file

import (
	"path/filepath"
	"strings"
)

// ReplaceExt swaps the extension of path for ext. Dotfiles and
// extensionless names get ext appended instead.
func ReplaceExt(path, ext string) string {
	if path == "" {
		return ""
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	base := filepath.Base(path)
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	return filepath.Join(filepath.Dir(path), base+ext)
}
