package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openkcm/session-edge/internal/serviceerr"
	"github.com/openkcm/session-edge/pkg/token"
)

// State is the classification of the session cookies of a request.
type State int

const (
	StateAbsent    State = iota // no session cookie
	StateMalformed              // present but undecodable or failing verification
	StateValid                  // verified and outside the refresh margin
	StateExpired                // expired or inside the refresh margin
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateMalformed:
		return "malformed"
	case StateValid:
		return "valid"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// VerifiedSession is a session whose identity token passed verification.
type VerifiedSession struct {
	IDToken      string
	RefreshToken string
	CustomToken  string
	Decoded      token.Decoded
}

// payload is the JSON document stored in the session cookies.
type payload struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	CustomToken  string `json:"custom_token,omitempty"`
}

// EncodeSession serializes the tokens of s for the cookie codec.
func EncodeSession(s VerifiedSession) ([]byte, error) {
	if s.IDToken == "" {
		return nil, errors.New("session has no id token")
	}

	return json.Marshal(payload{
		IDToken:      s.IDToken,
		RefreshToken: s.RefreshToken,
		CustomToken:  s.CustomToken,
	})
}

// DecodeSession parses the cookie payload. The returned session is not
// verified and carries no Decoded token.
func DecodeSession(data []byte) (VerifiedSession, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return VerifiedSession{}, errors.Join(serviceerr.ErrMalformedSession, fmt.Errorf("unmarshaling session: %w", err))
	}
	if p.IDToken == "" {
		return VerifiedSession{}, errors.Join(serviceerr.ErrMalformedSession, errors.New("session has no id token"))
	}

	return VerifiedSession{
		IDToken:      p.IDToken,
		RefreshToken: p.RefreshToken,
		CustomToken:  p.CustomToken,
	}, nil
}
