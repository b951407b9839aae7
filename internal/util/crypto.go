package util

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"
)

const (
	idBytes    = 16
	tokenBytes = 32
)

func randomHex(n int) (string, error) {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// GenerateID returns 128 random bits as 32 lowercase hex characters.
func GenerateID() (string, error) {
	return randomHex(idBytes)
}

// GenerateToken returns 256 random bits as 64 lowercase hex characters.
func GenerateToken() (string, error) {
	return randomHex(tokenBytes)
}

func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// TokenMatchesHash hashes the presented token and compares it to the stored
// hash in constant time.
func TokenMatchesHash(token, hash string) bool {
	return ConstantTimeEqual(HashToken(token), hash)
}

func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}
