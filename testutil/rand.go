package testutil

import (
	"math/rand"

	fuzz "github.com/google/gofuzz"
	. "github.com/onsi/ginkgo"
)

// Rand is not safe for concurrent use. Generate test data before starting goroutines.
var RandSource = rand.NewSource(GinkgoRandomSeed())
var Rand = rand.New(RandSource)
var Fuzzer = func() *fuzz.Fuzzer {
	f := fuzz.New().NilChance(0)
	f.RandSource(RandSource)
	return f
}()
var Fuzz = Fuzzer.Fuzz

var FastRand = fastRandReader{}

type fastRandReader struct{}

func (fastRandReader) Read(p []byte) (int, error) {
	if len(p) > 0 {
		p[0] = byte(Rand.Int())
	}
	return len(p), nil
}

// RandBytes returns n random bytes.
func RandBytes(n int) []byte {
	b := make([]byte, n)
	Rand.Read(b)
	return b
}

// RandKey returns random printable key without spaces and control characters.
func RandKey() string {
	var raw []byte
	Fuzz(&raw)
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_-:"
	key := make([]byte, 1+len(raw)%32)
	for i := range key {
		key[i] = alphabet[Rand.Intn(len(alphabet))]
	}
	for i, b := range raw {
		if i >= len(key) {
			break
		}
		key[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(key)
}
