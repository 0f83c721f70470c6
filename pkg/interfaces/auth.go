package interfaces

import (
	"net/http"

	"wiicare/pkg/types"
)

// Authenticator admits or rejects a connection attempt from its bearer credential
type Authenticator interface {
	// Authenticate extracts the credential presented with the request
	// and returns the identity it was issued for
	Authenticate(r *http.Request) (types.Identity, error)

	// Verify validates a raw bearer token
	Verify(token string) (types.Identity, error)
}
