// Package launcher turns a config.ServiceConfig into a resolved LaunchSpec
// for one of the four closed launch types. Build is a pure function: given
// the same config it always returns the same LaunchSpec or the same error.
// The Supervisor never branches on Type; it only calls Build and consumes
// the result.
package launcher

import (
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/loykin/watchsup/internal/config"
	"github.com/loykin/watchsup/internal/env"
	"github.com/loykin/watchsup/internal/werr"
)

// LaunchSpec is the Launcher adapter's output: a resolved, ready-to-exec
// command plus the profile-flag token used later for descendant matching.
type LaunchSpec struct {
	Path        string
	Args        []string
	Dir         string
	Env         []string
	ProfileFlag string // lowercased "--user-data-dir=<path>"; empty if profiles disabled
}

type builder func(cfg config.ServiceConfig) (LaunchSpec, error)

// strategies is the lookup table keyed by type tag. Adding a launch type
// means adding one entry here.
var strategies = map[string]builder{
	"executable":        buildExecutable,
	"npm_script":        buildNPMScript,
	"powershell_script": buildPowerShellScript,
	"shell_script":      buildShellScript,
}

// Build resolves cfg into a LaunchSpec, or a *werr.Error of kind
// ConfigInvalid if a precondition (command exists, workspace exists,
// executable bit set) is not met.
func Build(cfg config.ServiceConfig, globalEnv []string) (LaunchSpec, error) {
	b, ok := strategies[cfg.Type]
	if !ok {
		return LaunchSpec{}, werr.New(werr.ConfigInvalid, "unknown service type %q", cfg.Type)
	}
	ls, err := b(cfg)
	if err != nil {
		return LaunchSpec{}, err
	}
	if cfg.UseUniqueProfile {
		flag, args, err := injectProfile(cfg, ls.Path, ls.Args)
		if err != nil {
			return LaunchSpec{}, err
		}
		ls.Args = args
		ls.ProfileFlag = flag
	}
	ls.Env = mergeEnv(globalEnv, cfg.Environment)
	return ls, nil
}

func mergeEnv(globalEnv []string, custom map[string]string) []string {
	e := env.New()
	kvs := make([]string, 0, len(custom))
	for k, v := range custom {
		kvs = append(kvs, k+"="+v)
	}
	merged := append(append([]string{}, globalEnv...), kvs...)
	return e.Merge(merged)
}

var slugRe = regexp.MustCompile(`[^a-z0-9._-]+`)

// slug lowercases name and collapses runs of disallowed characters into a
// single '-', trimming leading/trailing '-', '_', '.'.
func slug(name string) string {
	s := slugRe.ReplaceAllString(strings.ToLower(name), "-")
	s = strings.Trim(s, "-_.")
	if s == "" {
		return "service"
	}
	return s
}

// injectProfile derives "<base>/<slug(name)>", creates the directory, and
// prepends "--user-data-dir=<abs-path>" to args unless one is already
// present. Returns the lowercased flag (the profile_flag matching token).
func injectProfile(cfg config.ServiceConfig, path string, args []string) (string, []string, error) {
	for _, a := range args {
		if strings.HasPrefix(a, "--user-data-dir") {
			return strings.ToLower(a), args, nil
		}
	}

	base := cfg.ProfileBaseDir
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.TempDir()
		}
		base = filepath.Join(home, ".watchsup", "profiles")
	}
	name := cfg.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	profileDir, err := filepath.Abs(filepath.Join(base, slug(name)))
	if err != nil {
		return "", args, werr.Wrap(werr.ConfigInvalid, err)
	}
	if err := os.MkdirAll(profileDir, 0o750); err != nil {
		return "", args, werr.Wrap(werr.ConfigInvalid, err)
	}

	flag := "--user-data-dir=" + profileDir
	newArgs := append([]string{flag}, args...)
	return strings.ToLower(flag), newArgs, nil
}

// shellQuote single-quotes s for safe embedding in a POSIX shell command
// line, the way a real shell-invoked command (npm_script) must be built;
// embedded single quotes are escaped as '\''.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"$`\\!*?[]{}()<>|&;~#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isExecutableFile(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return false
	}
	return fi.Mode()&0o111 != 0 || runtimeIsWindows()
}

func buildExecutable(cfg config.ServiceConfig) (LaunchSpec, error) {
	path := cfg.Command
	if strings.HasSuffix(strings.ToLower(path), ".app") {
		if _, err := os.Stat(path); err != nil {
			return LaunchSpec{}, werr.New(werr.ConfigInvalid, "executable not found: %s", path)
		}
		// Only resolve and exec the bundle's inner binary directly when the
		// supervisor actually needs to track it (a profile flag will be
		// injected, or descendants are tracked) — direct-execing bypasses
		// LaunchServices instance-reuse semantics, so otherwise defer to
		// "open -a" the way launching a .app normally would be.
		if cfg.UseUniqueProfile || cfg.TrackChildProcesses {
			resolved, err := resolveAppBundle(path)
			if err != nil {
				return LaunchSpec{}, err
			}
			path = resolved
		} else {
			args := []string{"-a", path}
			if len(cfg.Args) > 0 {
				args = append(args, "--args")
				args = append(args, cfg.Args...)
			}
			return LaunchSpec{Path: "open", Args: args, Dir: cfg.Workspace}, nil
		}
	}
	if _, err := os.Stat(path); err != nil {
		return LaunchSpec{}, werr.New(werr.ConfigInvalid, "executable not found: %s", path)
	}
	if !isExecutableFile(path) {
		return LaunchSpec{}, werr.New(werr.ConfigInvalid, "not executable: %s", path)
	}
	return LaunchSpec{Path: path, Args: append([]string{}, cfg.Args...), Dir: cfg.Workspace}, nil
}

func buildNPMScript(cfg config.ServiceConfig) (LaunchSpec, error) {
	if cfg.Workspace == "" {
		return LaunchSpec{}, werr.New(werr.ConfigInvalid, "npm_script %s: workspace is required", cfg.Name)
	}
	if _, err := os.Stat(cfg.Workspace); err != nil {
		return LaunchSpec{}, werr.New(werr.ConfigInvalid, "npm_script %s: workspace not found: %s", cfg.Name, cfg.Workspace)
	}
	if strings.TrimSpace(cfg.Command) == "" {
		return LaunchSpec{}, werr.New(werr.ConfigInvalid, "npm_script %s: command is required", cfg.Name)
	}
	shell, shellArg := shellInvocation()
	parts := make([]string, 0, len(cfg.Args)+1)
	parts = append(parts, cfg.Command)
	for _, a := range cfg.Args {
		parts = append(parts, shellQuote(a))
	}
	full := strings.TrimSpace(strings.Join(parts, " "))
	return LaunchSpec{Path: shell, Args: []string{shellArg, full}, Dir: cfg.Workspace}, nil
}

func buildPowerShellScript(cfg config.ServiceConfig) (LaunchSpec, error) {
	if _, err := os.Stat(cfg.Command); err != nil {
		return LaunchSpec{}, werr.New(werr.ConfigInvalid, "powershell_script %s: script not found: %s", cfg.Name, cfg.Command)
	}
	dir := cfg.Workspace
	if dir == "" {
		dir = filepath.Dir(cfg.Command)
	}
	args := []string{"-ExecutionPolicy", "Bypass", "-File", cfg.Command}
	args = append(args, cfg.Args...)
	return LaunchSpec{Path: "powershell", Args: args, Dir: dir}, nil
}

func buildShellScript(cfg config.ServiceConfig) (LaunchSpec, error) {
	if _, err := os.Stat(cfg.Command); err != nil {
		return LaunchSpec{}, werr.New(werr.ConfigInvalid, "shell_script %s: script not found: %s", cfg.Name, cfg.Command)
	}
	dir := cfg.Workspace
	if dir == "" {
		dir = filepath.Dir(cfg.Command)
	}
	args := append([]string{cfg.Command}, cfg.Args...)
	return LaunchSpec{Path: "/bin/bash", Args: args, Dir: dir}, nil
}

func shellInvocation() (string, string) {
	if runtimeIsWindows() {
		return "cmd", "/c"
	}
	return "/bin/sh", "-c"
}

func runtimeIsWindows() bool { return runtime.GOOS == "windows" }

// AvailableTypes returns the registered launch type tags, for CLI/validate
// diagnostics.
func AvailableTypes() []string {
	out := make([]string, 0, len(strategies))
	for k := range strategies {
		out = append(out, k)
	}
	return out
}
