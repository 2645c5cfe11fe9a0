package store

import (
	"encoding/json"
	"time"
)

// User is an identity row. Anonymous users have no email or password
// until they link credentials.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Anonymous    bool
	CreatedAt    time.Time
}

// PartyRecord is one identity's remote roster document. Doc is the
// roster store as stored JSON; UpdatedAt is assigned server-side on
// every save.
type PartyRecord struct {
	UID       string
	Doc       json.RawMessage
	Env       string
	UpdatedAt time.Time
}
