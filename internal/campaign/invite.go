package campaign

import "wablast/internal/provider"

// addReason maps the network's participant-add status code onto the closed
// set of human-readable reasons surfaced in result lists. Unknown codes
// collapse to a generic reason rather than leaking raw codes to operators.
func addReason(code int) string {
	switch code {
	case provider.AddOK:
		return ""
	case provider.AddNotAllowed:
		return "no permission to add this number"
	case provider.AddRecentlyLeft:
		return "recipient recently left the group"
	case provider.AddAlreadyMember:
		return "already a member"
	case provider.AddNotRegistered, 400:
		return "invalid or unregistered number"
	default:
		return "could not add (network refused)"
	}
}
