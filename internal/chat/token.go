package chat

import (
	"crypto/rand"

	"github.com/oklog/ulid/v2"
)

// NewClientToken mints a session token for a browser client. ULIDs sort by
// creation time, which keeps session listings cheap to order.
func NewClientToken() (string, error) {
	id, err := ulid.New(ulid.Now(), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
