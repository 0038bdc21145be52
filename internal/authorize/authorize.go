// Package authorize answers authorization requests for users who already
// authenticated: it issues authorization codes, or tokens directly for the
// implicit response types. Login itself happens outside this server.
package authorize

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/dgellow/identity-server/internal/clock"
	"github.com/dgellow/identity-server/internal/crypto"
	"github.com/dgellow/identity-server/internal/log"
	"github.com/dgellow/identity-server/internal/oauth"
	"github.com/dgellow/identity-server/internal/storage"
	"github.com/dgellow/identity-server/internal/urlutil"
	"github.com/dgellow/identity-server/internal/validation"
	"github.com/ory/fosite"
)

// Request is an authorization request from an authenticated user.
type Request struct {
	ClientID            string
	ResponseType        string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	UserID              string
}

// Response carries what was issued and the redirect that delivers it. Only
// the fields of the requested response type are set.
type Response struct {
	Code        string
	AccessToken string
	ExpiresIn   int64
	IDToken     string
	Redirect    string
}

// Minter signs the tokens the implicit response types return.
type Minter interface {
	AccessToken(ctx context.Context, client *oauth.Client, subject string, audience []string, scope string) (string, int64, error)
	ImplicitIDToken(ctx context.Context, client *oauth.Client, userID, nonce, accessToken string) (string, error)
}

type Service struct {
	clients  *validation.Clients
	pkce     *validation.PKCE
	grants   storage.GrantStore
	minter   Minter
	clock    clock.Clock
	lifetime int64
}

// NewService creates a service issuing codes valid for lifetime seconds.
func NewService(clients *validation.Clients, pkce *validation.PKCE, grants storage.GrantStore, minter Minter, clk clock.Clock, lifetime int64) *Service {
	return &Service{clients: clients, pkce: pkce, grants: grants, minter: minter, clock: clk, lifetime: lifetime}
}

// Redirectable reports whether err may be sent back to the client's
// redirect URI. Errors about the client or the redirect URI itself must be
// shown to the user instead.
func Redirectable(err error) bool {
	return !errors.Is(err, oauth.ErrClientNotFound) && !errors.Is(err, oauth.ErrRedirectURIMismatch)
}

// Authorize validates req for the signed-in user and answers it according
// to its response type.
func (s *Service) Authorize(ctx context.Context, req *Request) (*Response, error) {
	client, err := s.clients.Lookup(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	if err := validation.RedirectURI(client, req.RedirectURI); err != nil {
		return nil, err
	}
	if err := validation.ResponseType(client, req.ResponseType); err != nil {
		return nil, err
	}
	implicit := oauth.FragmentResponse(req.ResponseType)
	grantType := oauth.GrantTypeAuthorizationCode
	if implicit {
		grantType = oauth.GrantTypeImplicit
	}
	if err := validation.GrantType(client, grantType); err != nil {
		return nil, err
	}
	if req.UserID == "" {
		return nil, oauth.NewOAuthError(oauth.CodeAccessDenied, "user not authenticated")
	}

	scopes := oauth.ParseScope(req.Scope)
	if len(scopes) == 0 {
		scopes = fosite.Arguments{oauth.ScopeOpenID}
	}
	if err := validation.Scopes(client, scopes); err != nil {
		return nil, err
	}

	if implicit {
		return s.issueTokens(ctx, client, req, scopes)
	}
	return s.issueCode(ctx, client, req, scopes)
}

// issueCode stores a single-use authorization code for the user. A code
// challenge, when given, is registered for the exchange.
func (s *Service) issueCode(ctx context.Context, client *oauth.Client, req *Request, scopes fosite.Arguments) (*Response, error) {
	if req.CodeChallenge != "" {
		method, ok := oauth.ParseChallengeMethod(req.CodeChallengeMethod)
		if !ok {
			return nil, oauth.InvalidRequest("unsupported code_challenge_method %q", req.CodeChallengeMethod)
		}
		if err := s.pkce.Register(ctx, client.ClientID, req.CodeChallenge, method); err != nil {
			return nil, err
		}
	} else if client.RequirePKCE {
		return nil, oauth.InvalidRequest("code_challenge is required")
	} else if err := s.pkce.Consume(ctx, client.ClientID); err != nil {
		// A challenge left by an abandoned flow would otherwise bind this code.
		return nil, err
	}

	code, err := crypto.GenerateSecureToken()
	if err != nil {
		return nil, err
	}
	err = s.grants.Create(ctx, &oauth.PersistentGrant{
		Type:       oauth.GrantTypeAuthorizationCode,
		Data:       code,
		ClientID:   client.ClientID,
		UserID:     req.UserID,
		Scope:      oauth.JoinScope(scopes),
		Expiration: s.lifetime,
		CreatedAt:  s.clock.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("storing authorization code: %w", err)
	}

	redirect, err := urlutil.WithQuery(req.RedirectURI, map[string]string{
		"code":  code,
		"state": req.State,
	})
	if err != nil {
		return nil, err
	}

	log.LogInfoWithFields("authorize", "Issued authorization code", map[string]any{
		"client_id": client.ClientID,
		"user_id":   req.UserID,
		"pkce":      req.CodeChallenge != "",
	})
	return &Response{Code: code, Redirect: redirect}, nil
}

// issueTokens mints the tokens of an implicit response type. Nothing is
// stored, and no refresh token is handed out on the front channel.
func (s *Service) issueTokens(ctx context.Context, client *oauth.Client, req *Request, scopes fosite.Arguments) (*Response, error) {
	rt := oauth.NormalizeResponseType(req.ResponseType)
	withIDToken := oauth.ReturnsIDToken(rt)
	if withIDToken {
		if !scopes.Has(oauth.ScopeOpenID) {
			return nil, oauth.InvalidRequest("response_type %q requires the openid scope", rt)
		}
		if req.Nonce == "" {
			return nil, oauth.InvalidRequest("nonce is required")
		}
	}

	resp := &Response{}
	params := map[string]string{"state": req.State}

	if rt != oauth.ResponseTypeIDToken {
		scope := oauth.JoinScope(scopes)
		access, expiresIn, err := s.minter.AccessToken(ctx, client, req.UserID, oauth.UserTokenAudience, scope)
		if err != nil {
			return nil, err
		}
		resp.AccessToken, resp.ExpiresIn = access, expiresIn
		params["access_token"] = access
		params["token_type"] = oauth.TokenTypeBearer
		params["expires_in"] = strconv.FormatInt(expiresIn, 10)
		params["scope"] = scope
	}
	if withIDToken {
		idToken, err := s.minter.ImplicitIDToken(ctx, client, req.UserID, req.Nonce, resp.AccessToken)
		if err != nil {
			return nil, err
		}
		resp.IDToken = idToken
		params["id_token"] = idToken
	}

	redirect, err := urlutil.WithFragment(req.RedirectURI, params)
	if err != nil {
		return nil, err
	}
	resp.Redirect = redirect

	log.LogInfoWithFields("authorize", "Issued tokens from the authorization endpoint", map[string]any{
		"client_id":     client.ClientID,
		"user_id":       req.UserID,
		"response_type": rt,
	})
	return resp, nil
}
