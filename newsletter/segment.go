package newsletter

import "strings"

// MembersOnlyMarker separates the public part of a post from the part reserved for paying members.
const MembersOnlyMarker = "<!--members-only-->"

// Segment splits raw post content at the members-only marker.
// Without a marker the post is not gated and partial equals full.
func Segment(content string) (full, partial string, gated bool) {
	before, _, found := strings.Cut(content, MembersOnlyMarker)
	if !found {
		return content, content, false
	}
	return content, before, true
}
