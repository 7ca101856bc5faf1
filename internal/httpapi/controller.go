// Package httpapi exposes the bridge's HTTP surface (§6): GET /auth, POST
// /process, and POST /token, plus a /health liveness endpoint. Adapted from
// the teacher's cmd/wardgate/main.go router wiring and auditMiddleware.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nolas/bridge/internal/apierr"
	"github.com/nolas/bridge/internal/authcode"
	"github.com/nolas/bridge/internal/cryptoutil"
	"github.com/nolas/bridge/internal/imap"
	"github.com/nolas/bridge/internal/models"
)

const (
	defaultIMAPPort = 993
	defaultSMTPPort = 587
)

// ApplicationStore resolves registered third-party clients.
type ApplicationStore interface {
	GetByID(ctx context.Context, id string) (models.Application, error)
}

// AccountStore is the (application, email) -> account mapping the
// Authorization Controller writes and the Token Exchange reads.
type AccountStore interface {
	Upsert(ctx context.Context, account models.Account) (models.Account, error)
	GetByID(ctx context.Context, id string) (models.Account, error)
	MarkActive(ctx context.Context, accountID string) error
}

// CodeStore is the Authorization Code Store (§4.F) as seen from the HTTP
// boundary — ctx-aware to match the Postgres-backed implementation.
type CodeStore interface {
	Issue(ctx context.Context, applicationID, accountID, redirectURI, scope string) (*authcode.Code, error)
	Lookup(ctx context.Context, value string) (*authcode.Code, error)
	Consume(ctx context.Context, value string) (*authcode.Code, error)
}

// Controller implements the Authorization Controller (§4.G).
type Controller struct {
	applications ApplicationStore
	accounts     AccountStore
	codes        CodeStore
	pool         *imap.Pool
	encryptor    *cryptoutil.Encryptor
	imapTimeout  time.Duration
	authForm     *template.Template
	log          zerolog.Logger
}

// NewController wires the Authorization Controller's collaborators. The
// trial IMAP login (§4.G step 2) goes through the same Connection Pool
// (component B) the IDLE listener uses, so it is gated by the pool's rate
// limiter and per-provider cap (§2's "G -> F issues a code after a
// successful trial login (B used once)") rather than dialing around them.
func NewController(applications ApplicationStore, accounts AccountStore, codes CodeStore, pool *imap.Pool, encryptor *cryptoutil.Encryptor, imapTimeout time.Duration, log zerolog.Logger) *Controller {
	return &Controller{
		applications: applications,
		accounts:     accounts,
		codes:        codes,
		pool:         pool,
		encryptor:    encryptor,
		imapTimeout:  imapTimeout,
		authForm:     template.Must(template.New("auth").Parse(authFormHTML)),
		log:          log,
	}
}

// authFormPage is the data the external template collaborator renders for
// GET /auth.
type authFormPage struct {
	ClientID    string
	RedirectURI string
	State       string
	Scope       string
	LoginHint   string
}

const authFormHTML = `<!DOCTYPE html>
<html>
<head><title>Connect your mailbox</title></head>
<body>
<form method="POST" action="/process">
  <input type="hidden" name="client_id" value="{{.ClientID}}">
  <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
  <input type="hidden" name="state" value="{{.State}}">
  <input type="hidden" name="scope" value="{{.Scope}}">
  <label>Email <input type="email" name="email" value="{{.LoginHint}}" required></label>
  <label>Password <input type="password" name="password" required></label>
  <label>IMAP host <input type="text" name="imap_host" required></label>
  <label>IMAP port <input type="number" name="imap_port" value="993"></label>
  <label>SMTP host <input type="text" name="smtp_host"></label>
  <label>SMTP port <input type="number" name="smtp_port" value="587"></label>
  <button type="submit">Connect</button>
</form>
</body>
</html>`

// ServeAuth handles GET /auth: validates the request and renders the
// credential-collection form, or a 400 error document for malformed
// parameters.
func (c *Controller) ServeAuth(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")
	responseType := q.Get("response_type")

	if clientID == "" || state == "" {
		apierr.Write(w, apierr.New(apierr.InvalidRequest, "client_id and state are required"))
		return
	}
	if responseType != "code" {
		apierr.Write(w, apierr.New(apierr.InvalidRequest, "response_type must be 'code'"))
		return
	}
	if err := validateRedirectURI(redirectURI); err != nil {
		apierr.Write(w, err)
		return
	}
	if _, err := c.applications.GetByID(r.Context(), clientID); err != nil {
		apierr.Write(w, apierr.New(apierr.InvalidRequest, "unknown client_id"))
		return
	}

	page := authFormPage{
		ClientID:    clientID,
		RedirectURI: redirectURI,
		State:       state,
		Scope:       q.Get("scope"),
		LoginHint:   q.Get("login_hint"),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := c.authForm.Execute(w, page); err != nil {
		c.log.Error().Err(err).Msg("render auth form")
	}
}

type processResponse struct {
	Success     bool   `json:"success"`
	RedirectURL string `json:"redirect_url,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ServeProcess handles POST /process, implementing process_authorization
// (§4.G).
func (c *Controller) ServeProcess(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeProcessError(w, "malformed form body")
		return
	}

	clientID := r.FormValue("client_id")
	redirectURI := r.FormValue("redirect_uri")
	state := r.FormValue("state")
	scope := r.FormValue("scope")
	email := r.FormValue("email")
	password := r.FormValue("password")
	imapHost := r.FormValue("imap_host")
	smtpHost := r.FormValue("smtp_host")

	if clientID == "" || state == "" || email == "" || password == "" || imapHost == "" {
		writeProcessError(w, "missing required field")
		return
	}
	if err := validateRedirectURI(redirectURI); err != nil {
		writeProcessError(w, err.Error())
		return
	}

	app, err := c.applications.GetByID(r.Context(), clientID)
	if err != nil {
		writeProcessError(w, "unknown client_id")
		return
	}

	imapPort := intFormValue(r, "imap_port", defaultIMAPPort)
	smtpPort := intFormValue(r, "smtp_port", defaultSMTPPort)

	ctx, cancel := context.WithTimeout(r.Context(), c.imapTimeout)
	defer cancel()

	trialAccount := imap.Account{
		ID:       "trial-" + uuid.NewString(),
		Email:    email,
		Password: password,
		Host:     imapHost,
		Port:     imapPort,
	}
	conn, err := c.pool.GetConnection(ctx, trialAccount, "")
	if err != nil {
		writeProcessError(w, "invalid_credentials")
		return
	}
	c.pool.Close(trialAccount, conn)

	credentialBlob, err := c.encryptor.Encrypt(password)
	if err != nil {
		c.log.Error().Err(err).Msg("encrypt credential")
		writeProcessError(w, "internal error")
		return
	}

	account, err := c.accounts.Upsert(r.Context(), models.Account{
		ApplicationID: app.ID,
		Email:         email,
		CredentialBlob: credentialBlob,
		Provider: models.ProviderContext{
			IMAPHost: imapHost,
			IMAPPort: imapPort,
			SMTPHost: smtpHost,
			SMTPPort: smtpPort,
		},
		Status: models.AccountPending,
	})
	if err != nil {
		c.log.Error().Err(err).Msg("upsert account")
		writeProcessError(w, "internal error")
		return
	}

	code, err := c.codes.Issue(r.Context(), app.ID, account.ID, redirectURI, scope)
	if err != nil {
		c.log.Error().Err(err).Msg("issue authorization code")
		writeProcessError(w, "internal error")
		return
	}

	redirectURL := fmt.Sprintf("%s?code=%s&state=%s&source=nolas", redirectURI, code.Value, state)
	writeJSON(w, http.StatusOK, processResponse{Success: true, RedirectURL: redirectURL})
}

func writeProcessError(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, processResponse{Success: false, Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func intFormValue(r *http.Request, name string, def int) int {
	v := r.FormValue(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
