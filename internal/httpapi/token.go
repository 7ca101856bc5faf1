package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nolas/bridge/internal/apierr"
)

// Authenticator resolves the authenticated application from the request's
// transport-layer credentials (§6: "authenticated by the transport layer
// against application credentials").
type Authenticator interface {
	Authenticate(r *http.Request) (applicationID string, err error)
}

// TokenExchange implements the Token Exchange (§4.H).
type TokenExchange struct {
	auth     Authenticator
	accounts AccountStore
	codes    CodeStore
	log      zerolog.Logger
}

// NewTokenExchange wires the Token Exchange's collaborators.
func NewTokenExchange(auth Authenticator, accounts AccountStore, codes CodeStore, log zerolog.Logger) *TokenExchange {
	return &TokenExchange{auth: auth, accounts: accounts, codes: codes, log: log}
}

type tokenRequest struct {
	GrantType   string `json:"grant_type"`
	Code        string `json:"code"`
	ClientID    string `json:"client_id"`
	RedirectURI string `json:"redirect_uri"`
}

type tokenResponse struct {
	RequestID string `json:"request_id"`
	GrantID   string `json:"grant_id"`
}

// ServeToken handles POST /token, checking each precondition from §4.H's
// table in order, each producing a distinct error kind.
func (t *TokenExchange) ServeToken(w http.ResponseWriter, r *http.Request) {
	applicationID, err := t.auth.Authenticate(r)
	if err != nil {
		apierr.Write(w, apierr.New(apierr.InvalidClient, "missing or invalid application credentials"))
		return
	}

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.Write(w, apierr.New(apierr.InvalidRequest, "malformed JSON body"))
		return
	}

	if req.GrantType != "authorization_code" {
		apierr.Write(w, apierr.New(apierr.UnsupportedGrantType, "grant_type must be authorization_code"))
		return
	}
	if req.ClientID != applicationID {
		apierr.Write(w, apierr.New(apierr.InvalidClient, "client_id does not match authenticated application"))
		return
	}

	ctx := r.Context()
	code, err := t.codes.Lookup(ctx, req.Code)
	if err != nil {
		apierr.Write(w, apierr.New(apierr.InvalidGrant, "unknown authorization code"))
		return
	}
	if !code.IsValid(time.Now()) {
		apierr.Write(w, apierr.New(apierr.InvalidGrant, "authorization code is used or expired"))
		return
	}
	if code.RedirectURI != req.RedirectURI {
		apierr.Write(w, apierr.New(apierr.InvalidGrant, "redirect_uri does not match the authorized value"))
		return
	}
	if code.ApplicationID != applicationID {
		apierr.Write(w, apierr.New(apierr.InvalidClient, "authorization code was not issued to this application"))
		return
	}

	consumed, err := t.codes.Consume(ctx, req.Code)
	if err != nil {
		// Another concurrent exchange won the race between the validity
		// check above and this write.
		apierr.Write(w, apierr.New(apierr.InvalidGrant, "authorization code was already consumed"))
		return
	}

	if err := t.accounts.MarkActive(ctx, consumed.AccountID); err != nil {
		t.log.Error().Err(err).Msg("mark account active")
		apierr.Write(w, apierr.New(apierr.Internal, "failed to activate account"))
		return
	}

	account, err := t.accounts.GetByID(ctx, consumed.AccountID)
	if err != nil {
		t.log.Error().Err(err).Msg("load account after activation")
		apierr.Write(w, apierr.New(apierr.Internal, "failed to load activated account"))
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		RequestID: uuid.New().String(),
		GrantID:   account.ExternalID,
	})
}
