package engine

import (
	"github.com/google/uuid"
)

// tempIDPrefix marks identifiers the engine assigned locally.
const tempIDPrefix = "tmp-"

// IDGenerator produces temporary record identifiers for optimistic
// creates.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable temporary ids of the form
// "tmp-<uuidv7>". Stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new temporary id. Panics if the random source fails.
func (UUIDv7Generator) Generate() string {
	return tempIDPrefix + uuid.Must(uuid.NewV7()).String()
}
