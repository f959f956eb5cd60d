package repo

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrNotFound wraps gorm.ErrRecordNotFound so callers need not import gorm.
var ErrNotFound = fmt.Errorf("record not found: %w", gorm.ErrRecordNotFound)

func notFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
