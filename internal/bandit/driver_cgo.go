//go:build cgo_sqlite

// Building with -tags cgo_sqlite swaps in mattn/go-sqlite3's cgo-backed
// driver, kept available for environments where its faster write path is
// worth the cgo toolchain requirement.
package bandit

import _ "github.com/mattn/go-sqlite3"

const driverName = "sqlite3"
