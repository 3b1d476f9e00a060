package config

import (
	"crypto/subtle"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var bcryptPrefixes = []string{"$2a$", "$2b$", "$2y$"}

// Credentials are the key:value pairs read from the credentials file.
// Only "username" and "password" are consulted.
type Credentials map[string]string

// LoadCredentials parses path line by line. A line is kept only if it
// splits on ':' into exactly two parts.
func LoadCredentials(path string) (Credentials, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	creds := make(Credentials)
	for _, line := range strings.Split(string(bs), "\n") {
		line = strings.TrimSuffix(line, "\r")
		parts := strings.Split(line, ":")
		if len(parts) != 2 {
			continue
		}
		creds[parts[0]] = parts[1]
	}
	return creds, nil
}

// Verify reports whether username and password match the stored pair.
// A stored password carrying a bcrypt prefix is treated as a hash.
func (c Credentials) Verify(username, password string) bool {
	wantUser, ok := c["username"]
	if !ok {
		return false
	}
	wantPass, ok := c["password"]
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(wantUser), []byte(username)) == 1
	var passOK bool
	if isBcryptHash(wantPass) {
		passOK = bcrypt.CompareHashAndPassword([]byte(wantPass), []byte(password)) == nil
	} else {
		passOK = subtle.ConstantTimeCompare([]byte(wantPass), []byte(password)) == 1
	}
	return userOK && passOK
}

// HashPassword returns a bcrypt hash usable as the stored password
func HashPassword(password string) (string, error) {
	bs, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bs), nil
}

func isBcryptHash(s string) bool {
	for _, p := range bcryptPrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
