package download

import (
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DeriveFilename extracts a local file name from the URL's last path
// segment, query stripped. Returns "" when the URL yields no usable
// segment; the caller then falls back to a generated name.
func DeriveFilename(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return normalizeFilename(path.Base(u.Path))
}

func normalizeFilename(name string) string {
	res := strings.TrimSpace(name)
	if res == "" {
		return ""
	}
	res = filepath.Base(res)
	res = strings.Trim(res, ". ")
	if res == "" || res == "/" || res == string(os.PathSeparator) {
		return ""
	}
	return res
}
