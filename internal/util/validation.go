package util

import (
	"regexp"

	"github.com/google/uuid"
)

var sessionIDRegex = regexp.MustCompile(`^[0-9a-f]{32}$`)

// IsValidUUID accepts only the canonical lowercase hyphenated form, not the
// other spellings uuid.Parse allows.
func IsValidUUID(s string) bool {
	u, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return u.String() == s
}

// IsValidSessionID reports whether s has the shape of an issued session id.
func IsValidSessionID(s string) bool {
	return sessionIDRegex.MatchString(s)
}

// ContainsString reports whether value is one of values.
func ContainsString(values []string, value string) bool {
	for _, v := range values {
		if value == v {
			return true
		}
	}
	return false
}
