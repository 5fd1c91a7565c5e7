package session

import (
	"errors"
	"strings"
)

// Session identifies the driver this agent acts for. It is passed explicitly
// into the dispatcher, transport and reconciliation layers; there is no
// ambient process-wide "current user".
type Session struct {
	DriverID   string
	DriverName string
	Token      string // bearer token attached to dials and fetches
}

var ErrDriverIDRequired = errors.New("driver id is required")

// New validates and constructs a driver session context.
func New(driverID, driverName, token string) (Session, error) {
	if driverID = strings.TrimSpace(driverID); driverID == "" {
		return Session{}, ErrDriverIDRequired
	}

	return Session{
		DriverID:   driverID,
		DriverName: strings.TrimSpace(driverName),
		Token:      strings.TrimSpace(token),
	}, nil
}

// Authenticated reports whether the session carries a bearer token.
func (s Session) Authenticated() bool {
	return s.Token != ""
}
