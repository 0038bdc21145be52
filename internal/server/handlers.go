package server

import (
	"context"
	"net/http"

	"github.com/dgellow/identity-server/internal/authorize"
	"github.com/dgellow/identity-server/internal/device"
	jsonwriter "github.com/dgellow/identity-server/internal/json"
	"github.com/dgellow/identity-server/internal/log"
	"github.com/dgellow/identity-server/internal/oauth"
	"github.com/dgellow/identity-server/internal/oidc"
	"github.com/dgellow/identity-server/internal/signing"
	"github.com/dgellow/identity-server/internal/token"
)

// OAuthHandlers serves the protocol endpoints.
type OAuthHandlers struct {
	engine     *token.Engine
	devices    *device.Service
	authorizer *authorize.Service
	userInfo   *oidc.UserInfo
	endSession *oidc.EndSession
	signer     *signing.Service
}

func NewOAuthHandlers(
	engine *token.Engine,
	devices *device.Service,
	authorizer *authorize.Service,
	userInfo *oidc.UserInfo,
	endSession *oidc.EndSession,
	signer *signing.Service,
) *OAuthHandlers {
	return &OAuthHandlers{
		engine:     engine,
		devices:    devices,
		authorizer: authorizer,
		userInfo:   userInfo,
		endSession: endSession,
		signer:     signer,
	}
}

// TokenHandler is the token endpoint for every supported grant type.
func (h *OAuthHandlers) TokenHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	if err := parseForm(w, r); err != nil {
		writeError(w, r, err)
		return
	}

	clientID, secret := clientCredentials(r)
	resp, err := h.engine.Issue(r.Context(), &token.Request{
		GrantType:    oauth.GrantType(r.PostFormValue("grant_type")),
		ClientID:     clientID,
		ClientSecret: secret,
		Scope:        r.PostFormValue("scope"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		DeviceCode:   r.PostFormValue("device_code"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = jsonwriter.WriteNoStore(w, http.StatusOK, resp)
}

// RevokeHandler answers 200 with an empty body on success.
func (h *OAuthHandlers) RevokeHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	if err := parseForm(w, r); err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.engine.Revoke(r.Context(), r.PostFormValue("token"), r.PostFormValue("token_type_hint")); err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

func (h *OAuthHandlers) IntrospectHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	if err := parseForm(w, r); err != nil {
		writeError(w, r, err)
		return
	}

	resp, err := h.engine.Introspect(r.Context(), r.PostFormValue("token"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = jsonwriter.WriteNoStore(w, http.StatusOK, resp)
}

func (h *OAuthHandlers) DeviceAuthorizationHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	if err := parseForm(w, r); err != nil {
		writeError(w, r, err)
		return
	}

	clientID, secret := clientCredentials(r)
	resp, err := h.devices.Authorize(r.Context(), clientID, secret, r.PostFormValue("scope"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = jsonwriter.WriteNoStore(w, http.StatusOK, resp)
}

// DeviceVerifyHandler lets the signed-in user approve or deny a device by
// its user code. action defaults to approve.
func (h *OAuthHandlers) DeviceVerifyHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	userID, ok := UserFromContext(r.Context())
	if !ok {
		jsonwriter.WriteUnauthorized(w, "Unauthorized")
		return
	}
	if err := parseForm(w, r); err != nil {
		writeError(w, r, err)
		return
	}

	userCode := r.PostFormValue("user_code")
	if userCode == "" {
		writeError(w, r, oauth.InvalidRequest("user_code is required"))
		return
	}

	var (
		err    error
		status string
	)
	switch action := r.PostFormValue("action"); action {
	case "", "approve":
		err = h.devices.Approve(r.Context(), userCode, userID)
		status = "approved"
	case "deny":
		err = h.devices.Deny(r.Context(), userCode)
		status = "denied"
	default:
		err = oauth.InvalidRequest("unknown action %q", action)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = jsonwriter.Write(w, map[string]string{"status": status})
}

// AuthorizeHandler answers an authorization request for the signed-in user
// and redirects back to the client with a code in the query, or with tokens
// in the fragment. Once the redirect URI is trusted, errors travel back on
// it as well.
func (h *OAuthHandlers) AuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	userID, _ := UserFromContext(r.Context())
	q := r.URL.Query()
	req := &authorize.Request{
		ClientID:            q.Get("client_id"),
		ResponseType:        q.Get("response_type"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Nonce:               q.Get("nonce"),
		UserID:              userID,
	}

	resp, err := h.authorizer.Authorize(r.Context(), req)
	if err != nil {
		if !authorize.Redirectable(err) {
			writeError(w, r, err)
			return
		}
		_, oauthErr, ok := oauth.Classify(err)
		if !ok {
			log.LogErrorWithFields("server", "Authorization failed", map[string]any{
				"client_id": req.ClientID,
				"error":     err.Error(),
			})
		}
		oauth.WriteAuthorizeError(w, r, req.RedirectURI, req.ResponseType, req.State, oauthErr)
		return
	}

	http.Redirect(w, r, resp.Redirect, http.StatusFound)
}

// UserInfoHandler authenticates with the bearer token itself; a rejected
// token gets 401 with a WWW-Authenticate challenge.
func (h *OAuthHandlers) UserInfoHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	accessToken, ok := bearerToken(r)
	if !ok {
		jsonwriter.WriteUnauthorized(w, "Unauthorized")
		return
	}

	claims, err := h.userInfo.Claims(r.Context(), accessToken)
	if err != nil {
		if _, oauthErr, ok := oauth.Classify(err); ok && oauthErr.Code == oauth.CodeInvalidToken {
			jsonwriter.WriteUnauthorized(w, "Unauthorized")
			return
		}
		writeError(w, r, err)
		return
	}
	_ = jsonwriter.WriteNoStore(w, http.StatusOK, claims)
}

func (h *OAuthHandlers) EndSessionHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if err := parseForm(w, r); err != nil {
		writeError(w, r, err)
		return
	}

	redirect, err := h.endSession.Logout(r.Context(), &oidc.EndSessionRequest{
		IDTokenHint:           r.Form.Get("id_token_hint"),
		PostLogoutRedirectURI: r.Form.Get("post_logout_redirect_uri"),
		State:                 r.Form.Get("state"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if redirect != "" {
		http.Redirect(w, r, redirect, http.StatusFound)
		return
	}
	_ = jsonwriter.Write(w, map[string]string{"status": "logged_out"})
}

func (h *OAuthHandlers) DiscoveryHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	doc, err := h.discovery(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = jsonwriter.Write(w, doc)
}

func (h *OAuthHandlers) discovery(ctx context.Context) (map[string]any, error) {
	alg, err := h.signer.Algorithm(ctx)
	if err != nil {
		return nil, err
	}
	return oauth.DiscoveryDocument(h.signer.Issuer(), []string{alg})
}

func (h *OAuthHandlers) JWKSHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	set, err := h.signer.JWKS(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = jsonwriter.Write(w, set)
}
