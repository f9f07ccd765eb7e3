//go:build debug

package tag

// Debug enables extra invariant checks and poisoning of freed memory.
const Debug = true
