// Path resolution shared by static serving, uploads, deletes, and the CGI
// dispatch check in the router (spec §4.5 "Path resolution").
package respond

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrEscapesRoot is returned when the decoded/canonicalized path would leave
// the route's document root (spec §9: standardized on 403 for lexical
// escape).
var ErrEscapesRoot = errors.New("path escapes route root")

// ErrNotExist is returned when the resolved path does not exist within the
// root (spec §9: standardized on 404 for a missing file within the root).
var ErrNotExist = os.ErrNotExist

// Resolve strips the route prefix from requestPath, joins the remainder
// onto root, and resolves it against root both lexically and (once the
// realpath is known) physically, per spec §4.5: "canonicalized by resolving
// . and .. against the root; if the canonical path escapes the root
// (lexical check, then confirmed after opening by comparing against the
// root's real path), 403."
func Resolve(root, remainder string) (string, error) {
	// Lexical check first, and before ever touching the filesystem: walk
	// the segments ourselves rather than leaning on filepath.Clean, which
	// silently clamps a leading ".." to "/" instead of reporting the
	// escape — spec §8's literal scenario ("/foo/../../etc/passwd" against
	// root "/srv" → 403) requires the escape to be observable, not clamped.
	rel, err := joinWithinRoot(remainder)
	if err != nil {
		return "", err
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absJoined := filepath.Join(absRoot, rel)

	// Physical check: resolve symlinks and re-verify containment, in case a
	// symlink inside root points back out.
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		// Root itself may not exist yet (misconfiguration); let the caller's
		// stat surface that as 404/500.
		return absJoined, nil
	}
	realJoined, err := filepath.EvalSymlinks(absJoined)
	if err != nil {
		if os.IsNotExist(err) {
			return absJoined, nil // doesn't exist yet; that's a 404, not a 403
		}
		return "", err
	}
	if !withinRoot(realRoot, realJoined) {
		return "", ErrEscapesRoot
	}
	return absJoined, nil
}

func withinRoot(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// joinWithinRoot walks remainder's "/"-separated segments, tracking depth
// relative to root: "." is a no-op, ".." pops the last pushed segment (or
// fails if depth is already zero — the escape case), anything else pushes.
// The result is a root-relative path with no ".."/"." left in it.
func joinWithinRoot(remainder string) (string, error) {
	var stack []string
	for _, seg := range strings.Split(remainder, "/") {
		switch seg {
		case "", ".":
			// skip
		case "..":
			if len(stack) == 0 {
				return "", ErrEscapesRoot
			}
			stack = stack[:len(stack)-1]
		default:
			stack = append(stack, seg)
		}
	}
	return filepath.Join(stack...), nil
}
