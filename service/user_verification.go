package service

import (
	"fmt"
	"regexp"

	"attestation-ledger/models"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

const (
	minUsernameLength = 3
	maxUsernameLength = 32
)

// verifyUsername performs the format checks before registration
func verifyUsername(username string) error {
	if len(username) < minUsernameLength || len(username) > maxUsernameLength {
		return fmt.Errorf("%w: username must be %d to %d characters", models.ErrValidation, minUsernameLength, maxUsernameLength)
	}
	if !usernamePattern.MatchString(username) {
		return fmt.Errorf("%w: username %q contains invalid characters", models.ErrValidation, username)
	}
	return nil
}
