//go:build cgo

package store

// The libsql driver is cgo-only; it registers itself when cgo is available.
import _ "github.com/tursodatabase/go-libsql"
