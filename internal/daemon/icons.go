package daemon

import (
	"embed"
	"encoding/base64"
)

//go:embed icons/*.png
var iconFS embed.FS

// iconFor resolves a connector type name to an inline data URI, falling back
// to the default icon for types shipped without one.
func iconFor(name string) string {
	data, err := iconFS.ReadFile("icons/" + name + ".png")
	if err != nil {
		data, err = iconFS.ReadFile("icons/default_icon.png")
		if err != nil {
			return ""
		}
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)
}
