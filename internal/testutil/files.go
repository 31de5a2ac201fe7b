package testutil

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

// WriteRandomFile creates dir/name with size deterministic pseudo-random
// bytes and returns its path and content.
func WriteRandomFile(t testing.TB, dir, name string, size int, seed int64) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	rng := rand.New(rand.NewSource(seed))
	_, _ = rng.Read(data)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path, data
}
