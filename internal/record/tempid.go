package record

import (
	"strings"

	"github.com/google/uuid"
)

// TempIDPrefix marks ids assigned locally to entities the server has not
// seen yet.
const TempIDPrefix = "tmp_"

// NewTempID returns a fresh temporary id.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id was assigned locally.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// IsNew reports whether r still needs a server-assigned id.
func (r Record) IsNew() bool {
	id := r.ID()

	return id == "" || IsTempID(id)
}
