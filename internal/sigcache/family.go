package sigcache

// Family is a model's provider lineage (spec.md glossary). Signatures never
// cross families: a claude-minted signature is meaningless to a gemini
// backend and vice versa (P4).
type Family string

const (
	FamilyClaude Family = "claude"
	FamilyGemini Family = "gemini"
	FamilyOther  Family = "other"
)

// compatible reports whether a cache entry tagged `have` may be returned to
// a caller that declared target family `want`. An empty `want` means the
// caller did not declare a target family and accepts anything (used by
// write paths, never by Recover's read path).
func compatible(have, want Family) bool {
	if want == "" || have == "" {
		return true
	}
	return have == want
}
