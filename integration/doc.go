// Package integration provides a harness that compiles the sweatpool daemon,
// runs it as a separate process and drives it through the REST client.
//
// The harness can also be used outside of tests to script a local pool.
package integration
