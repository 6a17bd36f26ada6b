//go:build darwin

package launcher

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"

	"github.com/loykin/watchsup/internal/werr"
)

// bundleExecutableRe extracts the value following the CFBundleExecutable
// key in an Info.plist, whether the file is XML or binary-adjacent text
// (a minimal scanner is enough here: we only need the <string> that
// immediately follows the key, and real watchdogd_launcher installs always
// ship XML plists).
var bundleExecutableRe = regexp.MustCompile(`<key>CFBundleExecutable</key>\s*<string>([^<]+)</string>`)

// resolveAppBundle reads Contents/Info.plist's CFBundleExecutable key and
// returns the path to the inner executable under Contents/MacOS/, falling
// back to any executable file in that directory.
func resolveAppBundle(bundlePath string) (string, error) {
	macOSDir := filepath.Join(bundlePath, "Contents", "MacOS")

	plistPath := filepath.Join(bundlePath, "Contents", "Info.plist")
	if name, err := readBundleExecutableName(plistPath); err == nil && name != "" {
		candidate := filepath.Join(macOSDir, name)
		if fi, statErr := os.Stat(candidate); statErr == nil && !fi.IsDir() {
			return candidate, nil
		}
	}

	entries, err := os.ReadDir(macOSDir)
	if err != nil {
		return "", werr.New(werr.ConfigInvalid, "app bundle %s: cannot read Contents/MacOS: %v", bundlePath, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.Mode()&0o111 != 0 {
			return filepath.Join(macOSDir, e.Name()), nil
		}
	}
	return "", werr.New(werr.ConfigInvalid, "app bundle %s: no executable found under Contents/MacOS", bundlePath)
}

func readBundleExecutableName(plistPath string) (string, error) {
	f, err := os.Open(plistPath)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	var buf []byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		buf = append(buf, scanner.Bytes()...)
		buf = append(buf, '\n')
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	m := bundleExecutableRe.FindSubmatch(buf)
	if m == nil {
		return "", werr.New(werr.ConfigInvalid, "CFBundleExecutable not found in %s", plistPath)
	}
	return string(m[1]), nil
}
