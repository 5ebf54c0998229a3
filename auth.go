package couchbase

import (
	"context"
	"strings"

	"github.com/pior/couchbase/memd"
)

// Authenticator runs the SASL exchange on a connection that has completed
// HELLO. It is called once per new connection.
type Authenticator interface {
	// Mechanism names the SASL mechanism, for errors.
	Mechanism() string
	Authenticate(ctx context.Context, conn *Connection) error
}

// PlainAuthenticator authenticates with SASL PLAIN. The credentials travel
// in clear text unless the connection uses TLS.
type PlainAuthenticator struct {
	Username string
	Password string
}

var _ Authenticator = (*PlainAuthenticator)(nil)

func (a *PlainAuthenticator) Mechanism() string {
	return "PLAIN"
}

func (a *PlainAuthenticator) Authenticate(ctx context.Context, conn *Connection) error {
	payload := make([]byte, 0, len(a.Username)+len(a.Password)+2)
	payload = append(payload, 0)
	payload = append(payload, a.Username...)
	payload = append(payload, 0)
	payload = append(payload, a.Password...)

	resp, err := conn.Execute(ctx, memd.NewSASLAuth(a.Mechanism(), payload))
	if err != nil {
		return err
	}
	if !resp.Success() {
		return &AuthenticationError{Addr: conn.Addr(), Mechanism: a.Mechanism(), Status: resp.Status}
	}
	return nil
}

// ListMechanisms asks the server which SASL mechanisms it accepts.
func ListMechanisms(ctx context.Context, conn *Connection) ([]string, error) {
	resp, err := conn.Execute(ctx, memd.NewSASLListMechs())
	if err != nil {
		return nil, err
	}
	if !resp.Success() {
		return nil, newServerStatusError(resp)
	}
	return strings.Fields(string(resp.Value)), nil
}
