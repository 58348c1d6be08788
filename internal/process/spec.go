package process

import (
	"os/exec"
	"strings"

	"github.com/loykin/camwarden/internal/logger"
)

// Spec describes a child process.
type Spec struct {
	Name    string
	Command string   // shell-style command line; ignored when Path is set
	Path    string   // executable to run directly with Args
	Args    []string // arguments for Path
	WorkDir string
	Env     []string
	Log     logger.Config
}

// BuildCommand constructs the *exec.Cmd for the spec.
// A shell is only used when the command line needs one.
func (s Spec) BuildCommand() *exec.Cmd {
	if s.Path != "" {
		// #nosec G204
		return exec.Command(s.Path, s.Args...)
	}
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if script, ok := explicitShell(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", script)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// explicitShell detects "sh -c <script>" prefixes and returns the script
// with one pair of surrounding quotes removed.
func explicitShell(cmdStr string) (string, bool) {
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		after, ok := strings.CutPrefix(cmdStr, p)
		if !ok {
			continue
		}
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
