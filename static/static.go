// Package static embeds the web client pages served by the API server.
package static

import "embed"

//go:embed *.html
var Content embed.FS
