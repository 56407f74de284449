package build

import "strings"

var (
	// Version is set at build time via -ldflags.
	Version = "dev"
	AppName = "Undoable"
	Slug    = ""
)

func init() {
	if Slug == "" {
		Slug = strings.ToLower(AppName)
	}
}
