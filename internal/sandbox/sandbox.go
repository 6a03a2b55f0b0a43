// Package sandbox implements path validation for tool filesystem access:
// normalization, allow/deny precedence, symlink-escape detection, and
// crash-safe atomic writes.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/llamar/toolserver/internal/config"
	. "github.com/llamar/toolserver/internal/logging"
)

// Unicode spaces that should be normalized to a regular space before a path
// is interpreted, so a lookalike character can't be used to dodge a deny rule.
var unicodeSpaces = regexp.MustCompile(`[\x{00A0}\x{2000}-\x{200A}\x{202F}\x{205F}\x{3000}]`)

func normalizeUnicodeSpaces(s string) string {
	return unicodeSpaces.ReplaceAllString(s, " ")
}

// Normalize expands a leading tilde, resolves the path to absolute (against
// workingDir, or the process cwd if empty), and lexically collapses ".."
// segments. It does not require the path to exist.
func Normalize(inputPath, workingDir string) string {
	expanded := expandTilde(normalizeUnicodeSpaces(inputPath))

	if filepath.IsAbs(expanded) {
		return filepath.Clean(expanded)
	}

	base := workingDir
	if base == "" {
		if wd, err := os.Getwd(); err == nil {
			base = wd
		}
	}
	return filepath.Clean(filepath.Join(base, expanded))
}

func expandTilde(p string) string {
	if p == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(p, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, p[2:])
	}
	return p
}

// Under reports whether p equals base or lies under base, after both are
// lexically cleaned. Callers are expected to have already normalized both.
func Under(p, base string) bool {
	p = filepath.Clean(p)
	base = filepath.Clean(base)
	if p == base {
		return true
	}
	return strings.HasPrefix(p, base+string(filepath.Separator))
}

// Result is validate_path's {ok, message} return shape.
type Result struct {
	OK      bool
	Message string
}

// ValidatePath applies the validation rules in order to a path already run through
// Normalize: empty check, then denied-path precedence, then allowed-path
// membership. op is carried through only for logging context.
func ValidatePath(normalizedPath string, cfg *config.Config, op string) Result {
	if strings.TrimSpace(normalizedPath) == "" {
		return Result{OK: false, Message: "Path is empty"}
	}

	for _, denied := range cfg.DeniedPaths {
		deniedNorm := Normalize(denied, "")
		if Under(normalizedPath, deniedNorm) {
			L_warn("sandbox: path rejected by denied_paths", "path", normalizedPath, "rule", denied, "op", op)
			return Result{OK: false, Message: fmt.Sprintf("restricted area: %s is inside the denied path %s", normalizedPath, denied)}
		}
	}

	if len(cfg.AllowedPaths) > 0 {
		allowed := false
		for _, a := range cfg.AllowedPaths {
			if Under(normalizedPath, Normalize(a, "")) {
				allowed = true
				break
			}
		}
		if !allowed {
			L_warn("sandbox: path rejected, outside allowed_paths", "path", normalizedPath, "op", op)
			return Result{OK: false, Message: fmt.Sprintf("%s is outside allowed paths", normalizedPath)}
		}
	}

	if err := assertNoSymlinkEscape(normalizedPath); err != nil {
		return Result{OK: false, Message: err.Error()}
	}

	return Result{OK: true}
}

// ValidatePathRaw normalizes inputPath against workingDir and then applies
// ValidatePath, returning the resolved absolute path alongside the result.
func ValidatePathRaw(inputPath, workingDir string, cfg *config.Config, op string) (string, Result) {
	resolved := Normalize(inputPath, workingDir)
	return resolved, ValidatePath(resolved, cfg, op)
}

// assertNoSymlinkEscape walks each existing path component and rejects any
// symlink, which could otherwise be used to point outside validated
// allowed/denied boundaries after the fact.
func assertNoSymlinkEscape(path string) error {
	parts := strings.Split(strings.TrimPrefix(path, string(filepath.Separator)), string(filepath.Separator))
	current := string(filepath.Separator)

	for _, part := range parts {
		if part == "" {
			continue
		}
		current = filepath.Join(current, part)
		info, err := os.Lstat(current)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			L_warn("sandbox: symlink detected in path", "path", current)
			return fmt.Errorf("symlink not allowed in path: %s", current)
		}
	}
	return nil
}

// ReadFile validates path against cfg and, if allowed, reads its contents.
func ReadFile(inputPath, workingDir string, cfg *config.Config) ([]byte, error) {
	resolved, res := ValidatePathRaw(inputPath, workingDir, cfg, "read")
	if !res.OK {
		return nil, fmt.Errorf("%s", res.Message)
	}
	content, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return content, nil
}

// AtomicWriteFile writes data to path via a temp file in the same directory
// followed by an fsync and rename, preserving the original file's
// permissions when it already exists (defaultPerm otherwise).
func AtomicWriteFile(path string, data []byte, defaultPerm os.FileMode) error {
	perm := defaultPerm
	if perm == 0 {
		perm = 0o600
	}
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".toolserver-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}

	success = true
	return nil
}

// WriteFileValidated validates inputPath against cfg, then writes data to
// it atomically. Returns the number of bytes written.
func WriteFileValidated(inputPath, workingDir string, cfg *config.Config, data []byte, defaultPerm os.FileMode) (int, error) {
	resolved, res := ValidatePathRaw(inputPath, workingDir, cfg, "write")
	if !res.OK {
		return 0, fmt.Errorf("%s", res.Message)
	}
	if err := AtomicWriteFile(resolved, data, defaultPerm); err != nil {
		return 0, err
	}
	return len(data), nil
}

// ShortPath replaces the user's home directory prefix with ~ for display.
func ShortPath(value string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return value
	}
	if strings.HasPrefix(value, home) {
		return "~" + value[len(home):]
	}
	return value
}

// dangerousCommandPattern is one entry in the fixed table consulted by
// ValidateCommand.
type dangerousCommandPattern struct {
	name    string
	regex   *regexp.Regexp
	message string
}

var dangerousCommandPatterns = []dangerousCommandPattern{
	{"rm_rf_root", regexp.MustCompile(`rm\s+(-[a-zA-Z]*\s+)*-[a-zA-Z]*r[a-zA-Z]*f[a-zA-Z]*\s+/\s*$|rm\s+(-[a-zA-Z]*\s+)*-[a-zA-Z]*f[a-zA-Z]*r[a-zA-Z]*\s+/\s*$`), "refusing to run: recursive force-remove of /"},
	{"rm_rf_home", regexp.MustCompile(`rm\s+(-[a-zA-Z]*\s+)*-[a-zA-Z]*r[a-zA-Z]*f[a-zA-Z]*\s+~\s*$`), "refusing to run: recursive force-remove of the home directory"},
	{"fork_bomb", regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`), "refusing to run: fork bomb pattern"},
	{"write_block_device", regexp.MustCompile(`>\s*/dev/sd[a-z]\b`), "refusing to run: direct write to a block device"},
	{"dd_to_dev", regexp.MustCompile(`\bdd\s+[^\n]*\bof=/dev/`), "refusing to run: dd writing directly to a device"},
	{"mkfs", regexp.MustCompile(`\bmkfs(\.\w+)?\b`), "refusing to run: filesystem format command"},
	{"chmod_777_root", regexp.MustCompile(`chmod\s+(-R\s+)?777\s+/\s*$`), "refusing to run: recursive world-writable chmod on /"},
	{"curl_pipe_shell", regexp.MustCompile(`curl\s+[^|]*\|\s*(sudo\s+)?(ba)?sh\b`), "refusing to run: piping curl output to a shell"},
	{"wget_pipe_shell", regexp.MustCompile(`wget\s+[^|]*\|\s*(sudo\s+)?(ba)?sh\b`), "refusing to run: piping wget output to a shell"},
}

// ValidateCommand screens cmd against a fixed table of dangerous-pattern
// heuristics. This is a defense-in-depth layer on top of the
// permission engine, not a full sandbox: a clean result here does not mean
// the command is safe, only that it matched none of these patterns.
func ValidateCommand(cmd string) Result {
	for _, p := range dangerousCommandPatterns {
		if p.regex.MatchString(cmd) {
			L_warn("sandbox: command blocked by heuristic", "pattern", p.name, "command", cmd)
			return Result{OK: false, Message: p.message}
		}
	}
	return Result{OK: true}
}
