// Package deletion implements the only irreversible action in the daemon.
// Eligibility is decided by an ordered list of pure gates, all of which
// must pass; the policies on top decide whether an eligible file is
// actually removed right now.
package deletion

import (
	"path/filepath"
	"strings"

	"logship/internal/config"
	"logship/internal/fileutil"
)

// Gate is a pure predicate over a path and its watch rule. A false result
// carries the veto reason.
type Gate func(path string, rule config.WatchRule) (bool, string)

// systemRoots can never contain deletion targets, independent of any
// configuration.
var systemRoots = []string{
	"/bin",
	"/boot",
	"/dev",
	"/etc",
	"/lib",
	"/lib64",
	"/proc",
	"/root",
	"/run",
	"/sbin",
	"/sys",
	"/usr",
}

// SystemPathGate vetoes anything under a protected system root.
func SystemPathGate(path string, _ config.WatchRule) (bool, string) {
	clean := filepath.Clean(path)
	for _, root := range systemRoots {
		if clean == root || strings.HasPrefix(clean, root+string(filepath.Separator)) {
			return false, "protected system path"
		}
	}
	return true, ""
}

// AllowDeletionGate vetoes every file under a rule that has deletion
// switched off.
func AllowDeletionGate(_ string, rule config.WatchRule) (bool, string) {
	if !rule.AllowDeletion {
		return false, "rule forbids deletion"
	}
	return true, ""
}

// ContainmentGate vetoes files in subdirectories when the rule is not
// recursive, and anything that escapes the rule's root entirely.
func ContainmentGate(path string, rule config.WatchRule) (bool, string) {
	if _, err := fileutil.SafeRelPath(rule.Root, path); err != nil {
		return false, "outside watch root"
	}
	if !rule.Recursive && !fileutil.DirectlyIn(rule.Root, path) {
		return false, "in subdirectory of non-recursive rule"
	}
	return true, ""
}

// PatternGate vetoes names that do not match the rule's glob.
func PatternGate(path string, rule config.WatchRule) (bool, string) {
	if !rule.Matches(filepath.Base(path)) {
		return false, "name does not match rule pattern"
	}
	return true, ""
}

var gates = []Gate{
	SystemPathGate,
	AllowDeletionGate,
	ContainmentGate,
	PatternGate,
}

// Eligible evaluates every gate in order. Any single veto makes the file
// ineligible no matter what the policies say.
func Eligible(path string, rule config.WatchRule) (bool, string) {
	for _, gate := range gates {
		if ok, reason := gate(path, rule); !ok {
			return false, reason
		}
	}
	return true, ""
}
