// Package webui embeds the signal preview console, a single page that posts
// raw message text to /v1/preview and renders the planned legs.
package webui

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed index.html assets/*
var content embed.FS

// FS exposes the embedded assets as an fs.FS.
func FS() fs.FS {
	return content
}

// Handler returns an http.Handler serving the embedded assets.
func Handler() http.Handler {
	return http.FileServer(http.FS(content))
}
