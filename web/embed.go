// Package web embeds the chat page for single-binary distribution.
package web

import "embed"

// Assets contains the static chat UI under static/.
//
//go:embed static
var Assets embed.FS
