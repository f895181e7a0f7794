package auth

import (
	"crypto/subtle"
	"errors"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrBadCredentials: missing or malformed Authorization header.
var ErrBadCredentials = errors.New("auth: bad credentials")

// HashPassword bcrypt hash of password (account tokens).
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckPassword true if password matches hash.
func CheckPassword(password, hash string) bool {
	if hash == "" {
		return false
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// ConstantTimeEqual compares two tokens (constant-time).
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ParseBearer splits "Bearer <accountID>:<token>".
func ParseBearer(header string) (accountID int64, token string, err error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return 0, "", ErrBadCredentials
	}
	idStr, token, ok := strings.Cut(strings.TrimSpace(header[len(prefix):]), ":")
	if !ok || token == "" {
		return 0, "", ErrBadCredentials
	}
	accountID, err = strconv.ParseInt(idStr, 10, 64)
	if err != nil || accountID <= 0 {
		return 0, "", ErrBadCredentials
	}
	return accountID, token, nil
}

// BearerHeader formats the outgoing Authorization value for accountID:token.
func BearerHeader(accountID int64, token string) string {
	return "Bearer " + strconv.FormatInt(accountID, 10) + ":" + token
}
