package keys

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

// LoadHexFile reads a single line of hex-encoded key body bytes from path
// and constructs a Key of the given cipher/number, generalizing
// pkg/ntag424/keys.go's LoadKeyHexFile (fixed at one 16-byte AES body) to
// any of the four cipher body lengths.
func LoadHexFile(path string, cipher CipherType, number byte) (Key, error) {
	f, err := os.Open(path)
	if err != nil {
		return Key{}, fmt.Errorf("keys: open %s: %w", path, err)
	}
	defer f.Close()

	want := cipher.BodyLen() * 2
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if len(line) != want {
			return Key{}, fmt.Errorf("keys: %s: key must be %d hex chars for %s, got %d", path, want, cipher, len(line))
		}
		body, err := hex.DecodeString(line)
		if err != nil {
			return Key{}, fmt.Errorf("keys: %s: invalid hex: %w", path, err)
		}
		return New(cipher, number, body)
	}
	if err := scanner.Err(); err != nil {
		return Key{}, fmt.Errorf("keys: %s: %w", path, err)
	}
	return Key{}, fmt.Errorf("keys: %s: %w", path, errors.New("key file is empty"))
}
