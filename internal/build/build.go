// Package build carries version metadata stamped at link time.
package build

import "strings"

var (
	Version = "dev"
	AppName = "AppHub"
	Slug    = ""
)

func init() {
	if Slug == "" {
		Slug = strings.ToLower(AppName)
	}
}
