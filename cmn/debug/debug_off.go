//go:build !debug

// Package debug provides invariant assertions that compile to no-ops unless
// the binary is built with the "debug" tag, in which case they panic. Call
// sites stay in the code permanently; the cost is paid only when tagged.
package debug

func ON() bool { return false }

func Assert(_ bool, _ ...any)             {}
func Assertf(_ bool, _ string, _ ...any)  {}
func AssertNoErr(_ error)                 {}
func Func(_ func())                       {}
