package model

import "time"

// User is an application user known to the broker. ID is the authenticated
// subject supplied by the transport layer.
type User struct {
	ID        string
	Email     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
