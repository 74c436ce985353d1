// Package extension wires the security manager, sandbox manager, event
// bus, and settings store into one embeddable runtime. The hosting
// process activates installations through the System facade; from then on
// every interaction with extension code flows through the bus and the
// action surface, both re-checked against the live security context on
// each call.
package extension
