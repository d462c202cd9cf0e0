package ytdlp

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// Flags that would move output away from the task's template or run
// arbitrary commands after a download.
var reservedFlags = []string{"-o", "--output", "-P", "--paths", "--exec", "--exec-before-download", "-a", "--batch-file", "--config-locations"}

// SplitCommand securely splits a command string into a slice of arguments.
// It prevents shell injection by not using a shell.
func SplitCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command syntax: %w", err)
	}
	return args, nil
}

// SanitizeArgs checks operator-supplied extra arguments before they are
// appended to every yt-dlp invocation.
func SanitizeArgs(args []string) error {
	for _, arg := range args {
		name := arg
		if i := strings.Index(arg, "="); i > 0 && strings.HasPrefix(arg, "--") {
			name = arg[:i]
		}
		for _, reserved := range reservedFlags {
			if name == reserved || attachedShortFlag(arg, reserved) {
				return fmt.Errorf("argument %s is managed by the service", arg)
			}
		}
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
	}
	return nil
}

// attachedShortFlag reports whether arg is a single-dash flag written with
// its value attached, as in "-o/tmp/x".
func attachedShortFlag(arg, flag string) bool {
	if strings.HasPrefix(flag, "--") || strings.HasPrefix(arg, "--") {
		return false
	}
	return strings.HasPrefix(arg, flag)
}

// ParseExtraArgs splits and validates FETCH_EXTRA_ARGS.
func ParseExtraArgs(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	args, err := SplitCommand(raw)
	if err != nil {
		return nil, err
	}
	if err := SanitizeArgs(args); err != nil {
		return nil, err
	}
	return args, nil
}
