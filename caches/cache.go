package caches

import (
	"net/http"
)

var (
	// DefaultTable is the table used by the database backed storages when none is configured.
	DefaultTable = "offline_cache"

	// KeySeparator separates the request method from the request URL in a cache key.
	KeySeparator = "#"
)

// Key returns the identity a request is stored under inside a bucket: the method
// followed by the full URL. Both parts are case-sensitive and the query string is
// part of the identity.
func Key(r http.Request) string {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	return method + KeySeparator + r.URL.String()
}
