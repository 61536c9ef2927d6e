// Package perm shares the meshroute state directory with members of the
// "meshroute" system group, so operators can run read-only commands such as
// `meshroute routes` against a node's directory without owning it.
//
//	Path             Mode   Set by
//	<dir>/           0770   SetGroupDir
//	<dir>/edges.yaml 0640   SetGroupReadable
//
// Private keys and the peer database stay owner-only. When the group does
// not exist the functions return nil and leave modes untouched. On
// non-Linux platforms they are no-ops.
package perm
