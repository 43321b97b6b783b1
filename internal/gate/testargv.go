package gate

import (
	"regexp"
	"strings"
)

// allowedTestPrefixes are the only permitted RUN_TESTS argv prefixes, each
// given as the exact leading tokens that must match before any test
// node-id tokens.
var allowedTestPrefixes = [][]string{
	{"pytest", "-q"},
	{"python", "-m", "pytest", "-q"},
}

var testNodeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_./:\-]+$`)

const maxTestNodeIDLen = 256

// validTestArgv reports whether argv matches one of the allowlisted
// prefixes exactly, followed only by literal test node-id tokens.
func validTestArgv(argv []string) bool {
	for _, prefix := range allowedTestPrefixes {
		if len(argv) < len(prefix) {
			continue
		}
		matches := true
		for i, tok := range prefix {
			if argv[i] != tok {
				matches = false
				break
			}
		}
		if !matches {
			continue
		}

		rest := argv[len(prefix):]
		allValid := true
		for _, tok := range rest {
			if len(tok) == 0 || len(tok) > maxTestNodeIDLen {
				allValid = false
				break
			}
			// No additional flags: a node-id never begins with '-', so any
			// flag-shaped token (-s, -x, -k, -p, -o, --cov, ...) is rejected
			// here before the node-id pattern, which would otherwise also
			// match bare single-dash flags like -s or -x.
			if strings.HasPrefix(tok, "-") {
				allValid = false
				break
			}
			if !testNodeIDPattern.MatchString(tok) {
				allValid = false
				break
			}
		}
		if allValid {
			return true
		}
	}
	return false
}
