//go:build !darwin

package launcher

import "github.com/loykin/watchsup/internal/werr"

// resolveAppBundle is only meaningful on macOS; on other platforms a path
// ending in .app is simply not a valid executable config.
func resolveAppBundle(bundlePath string) (string, error) {
	return "", werr.New(werr.ConfigInvalid, ".app bundles are only supported on darwin: %s", bundlePath)
}
