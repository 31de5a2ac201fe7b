package node

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	seedFile   = "node.seed"
	seedLen    = 32
	nodeIDTag  = "meshnode:nodeid:v1"
	nodeIDSize = 16
)

// DeriveNodeID maps an identity seed to the node id carried as sender in
// every message.
func DeriveNodeID(seed []byte) string {
	buf := make([]byte, 0, len(nodeIDTag)+len(seed))
	buf = append(buf, nodeIDTag...)
	buf = append(buf, seed...)
	sum := sha3.Sum256(buf)
	return hex.EncodeToString(sum[:nodeIDSize])
}

// loadOrCreateSeed reads dir/node.seed, creating it on first run.
func loadOrCreateSeed(dir string) ([]byte, error) {
	path := filepath.Join(dir, seedFile)
	raw, err := os.ReadFile(path)
	if err == nil {
		seed, derr := hex.DecodeString(strings.TrimSpace(string(raw)))
		if derr != nil || len(seed) != seedLen {
			return nil, fmt.Errorf("corrupt %s", path)
		}
		return seed, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	seed := make([]byte, seedLen)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(hex.EncodeToString(seed)+"\n"), 0600); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, err
	}
	return seed, nil
}
