package town

import "strings"

// Permission is a bitmask of map capabilities.
type Permission uint32

// Capability bits resolved per (user, map) pair.
const (
	PermEntry     Permission = 1 << iota // may enter the map
	PermBuild                            // may build
	PermSandbox                          // full build access, may delete anything
	PermAdmin                            // may use map admin commands
	PermCopy                             // may copy other users' objects
	PermMapBot                           // may receive and send remote map commands
	PermBulkBuild                        // may use bulk build commands
)

var permissionsByName = map[string]Permission{
	"entry":      PermEntry,
	"build":      PermBuild,
	"sandbox":    PermSandbox,
	"admin":      PermAdmin,
	"copy":       PermCopy,
	"map_bot":    PermMapBot,
	"bulk_build": PermBulkBuild,
}

// PermissionByName resolves a capability name to its bit, case-insensitively.
//
// Postcondition: Returns (0, false) for unknown names; callers report that to
// the session rather than failing the connection.
func PermissionByName(name string) (Permission, bool) {
	p, ok := permissionsByName[strings.ToLower(name)]
	return p, ok
}

// Has reports whether all bits of perm are set.
func (p Permission) Has(perm Permission) bool {
	return p&perm == perm
}

// String returns the capability names set in p, joined by "|".
func (p Permission) String() string {
	if p == 0 {
		return "none"
	}
	// Stable order for logging and errors.
	ordered := []string{"entry", "build", "sandbox", "admin", "copy", "map_bot", "bulk_build"}
	var names []string
	for _, name := range ordered {
		if p.Has(permissionsByName[name]) {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}

// WatchCategory identifies a class of map events a bot listener can register
// for without being placed on the map.
type WatchCategory int

// Listener categories, mirroring the event classes maps broadcast.
const (
	WatchMove WatchCategory = iota
	WatchBuild
	WatchEntry
	WatchChat

	watchCategoryCount
)

// WatchCategoryByName resolves a listener category name.
func WatchCategoryByName(name string) (WatchCategory, bool) {
	switch strings.ToLower(name) {
	case "move":
		return WatchMove, true
	case "build":
		return WatchBuild, true
	case "entry":
		return WatchEntry, true
	case "chat":
		return WatchChat, true
	}
	return 0, false
}
