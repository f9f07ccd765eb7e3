//go:build !race

// Package tag exposes build tags as constants.
package tag

const Race = false
