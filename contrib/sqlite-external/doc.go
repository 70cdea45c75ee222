// Package sqliteexternal provides the optional CGO SQLite driver.
//
// JuniperKV reads SQLite databases for import and uses SQLite as a
// reference store in differential tests. By default that goes through the
// pure Go modernc.org/sqlite driver. Building with the cgo_sqlite tag swaps
// in github.com/mattn/go-sqlite3 instead:
//
//	CGO_ENABLED=1 go build -tags cgo_sqlite ./...
//
// Importing this package directly registers the "sqlite3" driver:
//
//	import _ "github.com/FocuswithJustin/JuniperKV/contrib/sqlite-external"
//
// Use the CGO driver when importing large SQLite files, where it is
// noticeably faster. Use the default when cross-compiling or shipping a
// single static binary.
package sqliteexternal
