package main

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
)

// fileStamps maps each watched file to the hash of its contents. A missing or
// unreadable file stamps as "".
type fileStamps map[string]string

func stampFiles(paths ...string) fileStamps {
	s := make(fileStamps, len(paths))
	for _, p := range paths {
		s[p] = stamp(p)
	}
	return s
}

func stamp(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// changed reports whether any watched file differs from when it was stamped.
// Writes to other files in the same directory leave it false.
func (s fileStamps) changed() bool {
	for p, h := range s {
		if stamp(p) != h {
			return true
		}
	}
	return false
}
