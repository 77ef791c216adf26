//go:build production

package wire

// StacksEnabled reports whether error frames carry stack traces.
const StacksEnabled = false
