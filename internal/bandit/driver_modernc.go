//go:build !cgo_sqlite

package bandit

// The default build uses modernc.org/sqlite, a pure-Go SQLite driver, so
// the kernel binary needs no cgo toolchain to build or run inside
// confinement-hardened containers.
import _ "modernc.org/sqlite"

const driverName = "sqlite"
