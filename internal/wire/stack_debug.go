//go:build !production

package wire

// StacksEnabled reports whether error frames carry stack traces.
// Build with -tags production to strip them.
const StacksEnabled = true
