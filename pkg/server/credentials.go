package server

import (
	"bufio"
	"crypto/subtle"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// CredentialStore is the read-only username → password lookup
type CredentialStore interface {
	// Verify reports whether the username is known and whether the
	// password matches it
	Verify(username, password string) (exists bool, match bool)
}

// Credentials is an in-memory CredentialStore loaded once at startup.
// Entries may hold a plain password or a bcrypt hash ($2a$, $2b$, $2y$).
type Credentials struct {
	entries map[string]string
}

// LoadCredentials reads a credentials file with one "username password"
// pair per line. Blank lines and lines starting with # are skipped.
func LoadCredentials(path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open credentials file: %w", err)
	}
	defer f.Close()

	creds, err := ParseCredentials(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return creds, nil
}

// ParseCredentials reads credential entries from r
func ParseCredentials(r io.Reader) (*Credentials, error) {
	creds := &Credentials{entries: make(map[string]string)}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: expected \"username password\", got %d fields", lineNo, len(fields))
		}
		if _, dup := creds.entries[fields[0]]; dup {
			return nil, fmt.Errorf("line %d: duplicate username %q", lineNo, fields[0])
		}
		creds.entries[fields[0]] = fields[1]
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return creds, nil
}

// NewCredentials builds a store from a map, mostly for tests
func NewCredentials(entries map[string]string) *Credentials {
	creds := &Credentials{entries: make(map[string]string, len(entries))}
	for u, p := range entries {
		creds.entries[u] = p
	}
	return creds
}

// Len returns the number of entries
func (c *Credentials) Len() int {
	return len(c.entries)
}

// Verify implements CredentialStore
func (c *Credentials) Verify(username, password string) (bool, bool) {
	secret, ok := c.entries[username]
	if !ok {
		return false, false
	}

	if isBcryptHash(secret) {
		return true, bcrypt.CompareHashAndPassword([]byte(secret), []byte(password)) == nil
	}
	return true, subtle.ConstantTimeCompare([]byte(secret), []byte(password)) == 1
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}
