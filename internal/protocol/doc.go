// Package protocol owns the BSC event-handling wire contract.
//
// Ownership boundary:
// - frame header codec and stream reassembly (frame)
// - subscriber identity filter encoders (identity)
// - control message shapes and result code tables (control)
// - the error taxonomy shared by every layer above the wire
package protocol
