package respond

import "os"

// IsCGITarget reports whether fsPath should run through the CGI executor
// rather than be served statically: the route names an interpreter and the
// resolved path is a regular, non-directory file (spec §4.5 step 5).
func IsCGITarget(cgiInterpreter, fsPath string) bool {
	if cgiInterpreter == "" {
		return false
	}
	st, err := os.Stat(fsPath)
	if err != nil {
		return false
	}
	return st.Mode().IsRegular()
}
