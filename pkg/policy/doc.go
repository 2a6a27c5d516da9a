// Package policy admits Tcl commands and build phases against an optional
// Rego module evaluated by an embedded Open Policy Agent.
//
// A module denies a request by adding reasons to data.vivado.admission.deny:
//
//	package vivado.admission
//
//	deny contains msg if {
//		input.kind == "command"
//		contains(input.command, "file delete")
//		msg := "file deletion is not allowed"
//	}
//
// The input document carries kind ("command" or "phase"), command, phase,
// project and session_id. A nil *CommandPolicy admits everything.
package policy
