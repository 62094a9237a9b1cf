package database

import (
	"errors"

	"gorm.io/gorm"
)

var (
	ErrAppNotFound = errors.New("app not found")
)

// IsNotFound reports whether err is a gorm record-not-found (or our app
// lookup miss).
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, ErrAppNotFound)
}

// IsDuplicateKey reports whether err is a unique-constraint violation.
func IsDuplicateKey(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
