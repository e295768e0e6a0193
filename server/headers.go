package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

func setNoStoreHeaders(header http.Header) {
	header.Set("Cache-Control", "no-store")
}

// setDownloadHeaders forbids every layer between us and the client from
// caching, compressing or buffering the stream; any of those would change
// what the client receives or when.
func setDownloadHeaders(header http.Header, contentLength int64, next string) {
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("Content-Length", strconv.FormatInt(contentLength, 10))
	header.Set("Cache-Control", "no-store, no-cache, no-transform, must-revalidate, max-age=0")
	header.Set("Pragma", "no-cache")
	header.Set("Expires", "0")
	header.Set("X-Accel-Buffering", "no")
	header.Set("Link", fmt.Sprintf("<%s>; rel=\"next\"", next))
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}
