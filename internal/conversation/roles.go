package conversation

// Role identifiers form an open string domain so custom roles can join the
// pipeline, but the built-in graph only routes between the known set below.
const (
	RoleUser            = "User"
	RolePlanner         = "Planner"
	RoleCodeInterpreter = "CodeInterpreter"
	RoleCodeGenerator   = "CodeGenerator"
	RoleCodeVerifier    = "CodeVerifier"
	RoleCodeExecutor    = "CodeExecutor"

	// RoleReviser is the synthetic sender of corrective feedback addressed
	// back to the role that produced a malformed result.
	RoleReviser = "Reviser"
)

var knownRoles = map[string]struct{}{
	RoleUser:            {},
	RolePlanner:         {},
	RoleCodeInterpreter: {},
	RoleCodeGenerator:   {},
	RoleCodeVerifier:    {},
	RoleCodeExecutor:    {},
	RoleReviser:         {},
}

// KnownRole reports whether the identifier belongs to the built-in role set.
func KnownRole(role string) bool {
	_, ok := knownRoles[role]
	return ok
}
