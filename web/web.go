// Package web holds the browser client that opens the floating window.
package web

import "embed"

//go:embed index.html
var Content embed.FS
