package collab

import "hash/fnv"

// palette is the fixed set of peer colors. Assignment must be a pure function
// of the user id so the same participant renders identically across
// reconnects and across every client's view.
var palette = []string{
	"#e6194b", // red
	"#3cb44b", // green
	"#4363d8", // blue
	"#f58231", // orange
	"#911eb4", // purple
	"#42d4f4", // cyan
	"#f032e6", // magenta
	"#bfef45", // lime
}

// PeerColor maps a user id onto the palette with FNV-1a. Deterministic, no
// shared cache.
func PeerColor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}
