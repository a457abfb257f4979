package transport

// Role is a side's fixed part in the offer/answer exchange.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// ResolveRole picks this side's role from two identifiers both peers know:
// the lexicographically smaller identifier initiates. Both sides compute
// opposite roles without further negotiation as long as the identifiers
// differ.
func ResolveRole(localID, remoteID string) Role {
	if localID < remoteID {
		return RoleInitiator
	}
	return RoleResponder
}
