package idgen

import (
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// New returns a UUIDv7 so record ids sort by creation time. If the
// generator fails it falls back to a random base36 string plus unix ms.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return fallback()
	}
	return id.String()
}

func fallback() string {
	return "id_" + strconv.FormatUint(rand.Uint64(), 36) + strconv.FormatInt(time.Now().UnixMilli(), 10)
}
