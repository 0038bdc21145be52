package oauth

import (
	"slices"
	"strconv"
	"time"

	"github.com/dgellow/identity-server/internal/crypto"
	"github.com/ory/fosite"
)

// ClientSecret is one of a client's secrets. Rotation keeps the outgoing
// secret valid until ExpiresAt; a zero ExpiresAt never expires.
type ClientSecret struct {
	Value     string
	ExpiresAt time.Time
}

// Client is the registered relying party. Clients are owned by the
// administrative side and treated as immutable here.
type Client struct {
	ID                     int64
	ClientID               string
	Secrets                []ClientSecret
	RedirectURIs           []string
	PostLogoutRedirectURIs []string
	ResponseTypes          []string
	GrantTypes             []string
	Scopes                 []string
	AccessTokenLifetime    int64
	RefreshTokenLifetime   int64
	IDTokenLifetime        int64
	DeviceCodeLifetime     int64
	RequirePKCE            bool
	RequireClientSecret    bool
}

// Subject is the stringified internal id used as sub for
// client_credentials tokens.
func (c *Client) Subject() string {
	return strconv.FormatInt(c.ID, 10)
}

// MatchSecret reports whether presented equals one of the client's
// unexpired secrets.
func (c *Client) MatchSecret(presented string, now time.Time) bool {
	if presented == "" {
		return false
	}
	for _, s := range c.Secrets {
		if !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt) {
			continue
		}
		if crypto.CompareClientSecret(s.Value, presented) {
			return true
		}
	}
	return false
}

func (c *Client) HasRedirectURI(uri string) bool {
	return uri != "" && slices.Contains(c.RedirectURIs, uri)
}

func (c *Client) HasPostLogoutRedirectURI(uri string) bool {
	return uri != "" && slices.Contains(c.PostLogoutRedirectURIs, uri)
}

// AllowsGrantType treats an empty list as unrestricted.
func (c *Client) AllowsGrantType(gt GrantType) bool {
	return len(c.GrantTypes) == 0 || fosite.Arguments(c.GrantTypes).Has(string(gt))
}

// AllowsResponseType treats an empty list as "code" only. The order of
// space-delimited values does not matter.
func (c *Client) AllowsResponseType(rt string) bool {
	rt = NormalizeResponseType(rt)
	if len(c.ResponseTypes) == 0 {
		return rt == ResponseTypeCode
	}
	for _, allowed := range c.ResponseTypes {
		if NormalizeResponseType(allowed) == rt {
			return true
		}
	}
	return false
}

// AllowsScopes reports whether every requested scope is registered for the
// client.
func (c *Client) AllowsScopes(requested fosite.Arguments) bool {
	for _, s := range requested {
		if !fosite.ExactScopeStrategy(c.Scopes, s) {
			return false
		}
	}
	return true
}
