// Package supervisor runs a receiving session alongside the operator input
// watcher and the periodic progress reporter. The first task to fail decides
// the outcome and cancels the others.
package supervisor
