package resolver

// CollisionPolicy defines how to handle existing target files.
// Values: "rename" | "overwrite" | "error".
type CollisionPolicy string

const (
	CollisionRename    CollisionPolicy = "rename"
	CollisionOverwrite CollisionPolicy = "overwrite"
	CollisionError     CollisionPolicy = "error"
)

// ParseCollisionPolicy converts a string to a CollisionPolicy with default.
func ParseCollisionPolicy(s string) CollisionPolicy {
	switch CollisionPolicy(s) {
	case CollisionOverwrite:
		return CollisionOverwrite
	case CollisionError:
		return CollisionError
	case CollisionRename:
		fallthrough
	default:
		return CollisionRename
	}
}

// Valid reports whether s names a known policy.
func Valid(s string) bool {
	switch CollisionPolicy(s) {
	case CollisionRename, CollisionOverwrite, CollisionError:
		return true
	}
	return false
}
