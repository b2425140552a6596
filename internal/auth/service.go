// Package auth validates client API keys and checks model-access
// permissions.
package auth

import (
	"github.com/modelbridge/gateway/internal/core"
)

// credential pairs a stored key with the client it authenticates.
type credential struct {
	key  core.APIKey
	info core.ClientInfo
}

// Service validates client API keys and checks model access permissions.
//
// It holds clients as an ordered slice rather than a map because APIKey
// intentionally offers only a constant-time Equal, never a hash contract —
// the linear scan is not an oversight, it is what prevents Validate from
// ever short-circuiting on the position of a match.
type Service struct {
	clients []credential
}

// NewService builds an auth service over the given (key, client) pairs.
func NewService(clients []core.ClientInfo, keys []core.APIKey) *Service {
	creds := make([]credential, 0, len(clients))
	for i, c := range clients {
		creds = append(creds, credential{key: keys[i], info: c})
	}
	return &Service{clients: creds}
}

// Validate scans every stored credential, comparing with constant-time
// equality, and returns the info of the single match. It never exits
// early — not on the first mismatch, not on the first match — so that wall
// clock time leaks nothing about how many credentials exist or where a
// valid one sits in the list.
func (s *Service) Validate(key core.APIKey) (*core.ClientInfo, error) {
	var matched *core.ClientInfo
	for _, c := range s.clients {
		if c.key.Equal(key) {
			info := c.info
			matched = &info
		}
	}
	if matched == nil {
		return nil, core.ErrInvalidAPIKey
	}
	return matched, nil
}

// CheckModelPermission reports whether client may use model.
func CheckModelPermission(client *core.ClientInfo, model core.ModelId) error {
	if client.AllowedModels.Permits(model) {
		return nil
	}
	return &core.ModelNotPermittedError{Model: model, Client: client.ID}
}
