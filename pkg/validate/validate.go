// Package validate rejects unsafe MCP server specifications before any
// subprocess is launched. All checks are pure: identical input always yields
// the identical verdict, and nothing here touches the filesystem or network.
package validate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/codeready-toolchain/agentgate/pkg/models"
)

// Validation failure kinds, carried verbatim in HTTP error bodies.
const (
	KindUnknownCommand = "validation:unknown-command"
	KindBadServerID    = "validation:bad-server-id"
	KindBadArg         = "validation:bad-arg"
	KindBadEnvKey      = "validation:bad-env-key"
	KindBadEnvValue    = "validation:bad-env-value"
	KindPathTraversal  = "validation:path-traversal"
	KindTooMany        = "validation:too-many"
)

// Size ceilings.
const (
	MaxServerIDLength = 64
	MaxArgLength      = 1024
	MaxArgs           = 50
	MaxEnvKeyLength   = 128
	MaxEnvValueLength = 1024
	MaxEnvEntries     = 50
)

// Error is a validation failure with a machine-readable kind and a short,
// client-safe reason. It never echoes the offending value back.
type Error struct {
	Kind   string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func failf(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

var serverIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// baseArgPattern is the character class every argument must satisfy,
// regardless of command. It excludes all shell metacharacters by construction.
var baseArgPattern = regexp.MustCompile(`^[A-Za-z0-9_@./:=,+-]+$`)

// commandArgPatterns maps each whitelisted command to the stricter pattern its
// first argument (package, script, or image reference) must satisfy.
var commandArgPatterns = map[string]*regexp.Regexp{
	"npx":    regexp.MustCompile(`^[A-Za-z0-9@/_.-]+$`),
	"uvx":    regexp.MustCompile(`^[A-Za-z0-9@/_.-]+$`),
	"uv":     regexp.MustCompile(`^[A-Za-z0-9@/_.-]+$`),
	"node":   regexp.MustCompile(`^[A-Za-z0-9@/_.-]+$`),
	"python": regexp.MustCompile(`^[A-Za-z0-9@/_.-]+$`),
	// Image references additionally need ":" for tags and "@" for digests.
	"docker": regexp.MustCompile(`^[A-Za-z0-9:@/_.-]+$`),
}

// shellMetaChars are rejected anywhere in args and env values. The list covers
// command separators, substitution, redirection, quoting, and line breaks.
var shellMetaChars = []string{
	";", "|", "&", "$(", "`", "${", ">", "<", "(", ")", "{", "}",
	"\\", "'", "\"", "\n", "\r", "\x00",
}

// blockedEnvKeys are process-hijacking environment variables: loader preloads,
// library/module search paths, interpreter home overrides, and locale/TLS-cert
// overrides that would change what code the child process runs or trusts.
var blockedEnvKeys = map[string]struct{}{
	"LD_PRELOAD":      {},
	"LD_LIBRARY_PATH": {},
	"LD_AUDIT":        {},
	"PATH":            {},
	"PYTHONPATH":      {},
	"PYTHONHOME":      {},
	"PYTHONSTARTUP":   {},
	"NODE_PATH":       {},
	"NODE_OPTIONS":    {},
	"BASH_ENV":        {},
	"ENV":             {},
	"IFS":             {},
	"SSL_CERT_FILE":   {},
	"SSL_CERT_DIR":    {},
	"LC_ALL":          {},
	"LANG":            {},
}

var envKeyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{0,127}$`)

// AllowedPathRoots are the only places an absolute-path argument may point:
// the root itself or anything under it. Everything else on the filesystem is
// off limits to user-supplied specs.
var AllowedPathRoots = []string{"/tmp", "/var/tmp", "/workspace", "/mcp"}

// Spec validates a complete server specification. The first failure wins;
// checks run in a fixed order so verdicts are deterministic.
func Spec(spec models.ServerSpec) error {
	if !serverIDPattern.MatchString(spec.ServerID) {
		return failf(KindBadServerID,
			"server_id must be 1-%d characters from [A-Za-z0-9_-]", MaxServerIDLength)
	}
	if _, ok := commandArgPatterns[spec.Command]; !ok {
		return failf(KindUnknownCommand, "command %q is not on the whitelist", spec.Command)
	}
	if err := Args(spec.Command, spec.Args); err != nil {
		return err
	}
	return Env(spec.Env)
}

// Args validates the argument list for one whitelisted command.
func Args(command string, args []string) error {
	firstArgPattern, ok := commandArgPatterns[command]
	if !ok {
		return failf(KindUnknownCommand, "command %q is not on the whitelist", command)
	}
	if len(args) == 0 {
		return failf(KindBadArg, "arguments list cannot be empty")
	}
	if len(args) > MaxArgs {
		return failf(KindTooMany, "too many arguments (max %d)", MaxArgs)
	}

	for i, arg := range args {
		if len(arg) > MaxArgLength {
			return failf(KindBadArg, "argument %d too long (max %d characters)", i, MaxArgLength)
		}
		if meta := findShellMeta(arg); meta != "" {
			return failf(KindBadArg, "argument %d contains a forbidden character", i)
		}
		if err := checkPath(arg, i); err != nil {
			return err
		}
		// The first argument names the package, script, or image and gets the
		// command-specific stricter class. Later arguments (flags, values)
		// only need the base class.
		if i == 0 {
			if !firstArgPattern.MatchString(arg) {
				return failf(KindBadArg,
					"argument 0 contains characters not allowed for command %q", command)
			}
			continue
		}
		if !baseArgPattern.MatchString(arg) {
			return failf(KindBadArg, "argument %d contains invalid characters", i)
		}
	}
	return nil
}

// Env validates the environment overrides of a spec. A nil or empty map is
// valid.
func Env(env map[string]string) error {
	if len(env) > MaxEnvEntries {
		return failf(KindTooMany, "too many environment variables (max %d)", MaxEnvEntries)
	}
	for key, value := range env {
		if !envKeyPattern.MatchString(key) {
			return failf(KindBadEnvKey, "environment key %q has invalid format", key)
		}
		if _, blocked := blockedEnvKeys[key]; blocked {
			return failf(KindBadEnvKey, "environment key %q is not allowed", key)
		}
		if strings.HasPrefix(key, "DYLD_") || strings.HasPrefix(key, "LD_") {
			return failf(KindBadEnvKey, "environment key %q is not allowed", key)
		}
		if len(value) > MaxEnvValueLength {
			return failf(KindBadEnvValue,
				"environment value for %q too long (max %d characters)", key, MaxEnvValueLength)
		}
		if meta := findShellMeta(value); meta != "" {
			return failf(KindBadEnvValue,
				"environment value for %q contains a forbidden character", key)
		}
	}
	return nil
}

// findShellMeta returns the first shell metacharacter found in s, or "".
func findShellMeta(s string) string {
	for _, meta := range shellMetaChars {
		if strings.Contains(s, meta) {
			return meta
		}
	}
	return ""
}

// checkPath rejects traversal sequences, home expansion, and absolute paths
// outside the allowlisted workspace roots.
func checkPath(arg string, index int) error {
	if strings.Contains(arg, "../") || strings.HasSuffix(arg, "..") {
		return failf(KindPathTraversal, "argument %d contains a path traversal sequence", index)
	}
	if strings.HasPrefix(arg, "~") {
		return failf(KindPathTraversal, "argument %d uses home directory expansion", index)
	}
	if strings.HasPrefix(arg, "/") {
		for _, root := range AllowedPathRoots {
			if arg == root || strings.HasPrefix(arg, root+"/") {
				return nil
			}
		}
		return failf(KindPathTraversal,
			"argument %d is an absolute path outside the allowed roots", index)
	}
	return nil
}
