package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nolas/bridge/internal/apierr"
	"github.com/nolas/bridge/internal/authcode"
	"github.com/nolas/bridge/internal/cryptoutil"
	"github.com/nolas/bridge/internal/imap"
	"github.com/nolas/bridge/internal/models"
	"github.com/nolas/bridge/internal/ratelimit"
)

// --- fakes ---

type fakeApplications struct {
	apps map[string]models.Application
}

func (f *fakeApplications) GetByID(ctx context.Context, id string) (models.Application, error) {
	app, ok := f.apps[id]
	if !ok {
		return models.Application{}, errors.New("not found")
	}
	return app, nil
}

type fakeAccounts struct {
	byID map[string]models.Account
	next int
}

func newFakeAccounts() *fakeAccounts { return &fakeAccounts{byID: map[string]models.Account{}} }

func (f *fakeAccounts) Upsert(ctx context.Context, account models.Account) (models.Account, error) {
	for _, existing := range f.byID {
		if existing.ApplicationID == account.ApplicationID && existing.Email == account.Email {
			account.ID = existing.ID
			account.ExternalID = existing.ExternalID
			f.byID[account.ID] = account
			return account, nil
		}
	}
	f.next++
	account.ID = "acct-id"
	account.ExternalID = "acct-external"
	f.byID[account.ID] = account
	return account, nil
}

func (f *fakeAccounts) GetByID(ctx context.Context, id string) (models.Account, error) {
	a, ok := f.byID[id]
	if !ok {
		return models.Account{}, errors.New("not found")
	}
	return a, nil
}

func (f *fakeAccounts) MarkActive(ctx context.Context, accountID string) error {
	a, ok := f.byID[accountID]
	if !ok {
		return errors.New("not found")
	}
	a.Status = models.AccountActive
	f.byID[accountID] = a
	return nil
}

type fakeCodes struct {
	codes map[string]*authcode.Code
}

func newFakeCodes() *fakeCodes { return &fakeCodes{codes: map[string]*authcode.Code{}} }

func (f *fakeCodes) Issue(ctx context.Context, applicationID, accountID, redirectURI, scope string) (*authcode.Code, error) {
	c := &authcode.Code{
		Value:         "code-" + applicationID + "-" + accountID,
		ApplicationID: applicationID,
		AccountID:     accountID,
		RedirectURI:   redirectURI,
		Scope:         scope,
		IssuedAt:      time.Now(),
		ExpiresAt:     time.Now().Add(10 * time.Minute),
	}
	f.codes[c.Value] = c
	return c, nil
}

func (f *fakeCodes) Lookup(ctx context.Context, value string) (*authcode.Code, error) {
	c, ok := f.codes[value]
	if !ok {
		return nil, authcode.ErrNotFound
	}
	return c, nil
}

func (f *fakeCodes) Consume(ctx context.Context, value string) (*authcode.Code, error) {
	c, ok := f.codes[value]
	if !ok {
		return nil, authcode.ErrNotFound
	}
	if c.UsedAt != nil {
		return nil, authcode.ErrAlreadyUsed
	}
	now := time.Now()
	c.UsedAt = &now
	return c, nil
}

type scriptedDialer struct {
	shouldFail bool
}

type noopConn struct{}

func (noopConn) Probe(ctx context.Context) bool                           { return true }
func (noopConn) Select(ctx context.Context, folder string) (uint32, error) { return 1, nil }
func (noopConn) UIDsSince(ctx context.Context, lastSeen uint32) ([]uint32, error) {
	return nil, nil
}
func (noopConn) FetchEnvelope(ctx context.Context, uid uint32) (imap.EnvelopeRecord, error) {
	return imap.EnvelopeRecord{}, nil
}
func (noopConn) Idle(ctx context.Context, timeout time.Duration) (imap.WakeReason, error) {
	return imap.WakeTimeout, nil
}
func (noopConn) Close() error { return nil }

func (d *scriptedDialer) Dial(ctx context.Context, cfg imap.ConnectionConfig) (imap.Connection, error) {
	if d.shouldFail {
		return nil, errors.New("login failed")
	}
	return noopConn{}, nil
}

// testPool builds a Connection Pool around a scriptedDialer so tests
// exercise the same rate-limiter/cap gated path ServeProcess's trial login
// uses in production, rather than dialing directly.
func testPool(dialer imap.Dialer) *imap.Pool {
	limiters := ratelimit.NewRegistry(1000, 1000)
	return imap.NewPool(dialer, limiters, 10, 5*time.Second, nil, zerolog.Nop())
}

func testEncryptor(t *testing.T) *cryptoutil.Encryptor {
	t.Helper()
	enc, err := cryptoutil.NewEncryptor("MDEyMzQ1Njc4OTAxMjM0NTY3ODkwMTIzNDU2Nzg5MDE=")
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}
	return enc
}

// --- GET /auth ---

func TestServeAuth_ValidRequestRendersForm(t *testing.T) {
	apps := &fakeApplications{apps: map[string]models.Application{"app-1": {ID: "app-1", Name: "notes"}}}
	c := NewController(apps, newFakeAccounts(), newFakeCodes(), testPool(&scriptedDialer{}), testEncryptor(t), 5*time.Second, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/auth?client_id=app-1&redirect_uri=https://app.example.com/cb&state=xyz&response_type=code", nil)
	rec := httptest.NewRecorder()
	c.ServeAuth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "app.example.com") {
		t.Error("expected redirect_uri to be embedded in the form")
	}
}

func TestServeAuth_RejectsBadResponseType(t *testing.T) {
	apps := &fakeApplications{apps: map[string]models.Application{"app-1": {ID: "app-1"}}}
	c := NewController(apps, newFakeAccounts(), newFakeCodes(), testPool(&scriptedDialer{}), testEncryptor(t), 5*time.Second, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/auth?client_id=app-1&redirect_uri=https://app.example.com/cb&state=xyz&response_type=token", nil)
	rec := httptest.NewRecorder()
	c.ServeAuth(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestServeAuth_RejectsBadRedirectURI(t *testing.T) {
	apps := &fakeApplications{apps: map[string]models.Application{"app-1": {ID: "app-1"}}}
	c := NewController(apps, newFakeAccounts(), newFakeCodes(), testPool(&scriptedDialer{}), testEncryptor(t), 5*time.Second, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/auth?client_id=app-1&redirect_uri=ftp://bad&state=xyz&response_type=code", nil)
	rec := httptest.NewRecorder()
	c.ServeAuth(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

// --- POST /process ---

func TestServeProcess_SuccessIssuesCodeAndRedirect(t *testing.T) {
	apps := &fakeApplications{apps: map[string]models.Application{"app-1": {ID: "app-1"}}}
	accounts := newFakeAccounts()
	c := NewController(apps, accounts, newFakeCodes(), testPool(&scriptedDialer{}), testEncryptor(t), 5*time.Second, zerolog.Nop())

	form := url.Values{
		"client_id":    {"app-1"},
		"redirect_uri": {"https://app.example.com/cb"},
		"state":        {"xyz"},
		"email":        {"user@example.com"},
		"password":     {"hunter2"},
		"imap_host":    {"imap.example.com"},
	}
	req := httptest.NewRequest(http.MethodPost, "/process", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	c.ServeProcess(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp processResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got error %q", resp.Error)
	}
	if !strings.HasPrefix(resp.RedirectURL, "https://app.example.com/cb?code=") {
		t.Errorf("unexpected redirect_url: %s", resp.RedirectURL)
	}
	if !strings.HasSuffix(resp.RedirectURL, "&state=xyz&source=nolas") {
		t.Errorf("unexpected redirect_url suffix: %s", resp.RedirectURL)
	}

	stored, err := accounts.GetByID(context.Background(), "acct-id")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if stored.Status != models.AccountPending {
		t.Errorf("expected status pending, got %s", stored.Status)
	}
}

func TestServeProcess_BadCredentialsReturnsSuccessFalse(t *testing.T) {
	apps := &fakeApplications{apps: map[string]models.Application{"app-1": {ID: "app-1"}}}
	c := NewController(apps, newFakeAccounts(), newFakeCodes(), testPool(&scriptedDialer{shouldFail: true}), testEncryptor(t), 5*time.Second, zerolog.Nop())

	form := url.Values{
		"client_id":    {"app-1"},
		"redirect_uri": {"https://app.example.com/cb"},
		"state":        {"xyz"},
		"email":        {"user@example.com"},
		"password":     {"wrong"},
		"imap_host":    {"imap.example.com"},
	}
	req := httptest.NewRequest(http.MethodPost, "/process", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	c.ServeProcess(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var resp processResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Success {
		t.Error("expected success: false on bad credentials")
	}
}

func TestServeProcess_MissingFieldRejected(t *testing.T) {
	apps := &fakeApplications{apps: map[string]models.Application{"app-1": {ID: "app-1"}}}
	c := NewController(apps, newFakeAccounts(), newFakeCodes(), testPool(&scriptedDialer{}), testEncryptor(t), 5*time.Second, zerolog.Nop())

	form := url.Values{"client_id": {"app-1"}, "state": {"xyz"}}
	req := httptest.NewRequest(http.MethodPost, "/process", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	c.ServeProcess(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

// --- POST /token ---

type fakeAuthenticator struct {
	subject string
	err     error
}

func (f *fakeAuthenticator) Authenticate(r *http.Request) (string, error) {
	return f.subject, f.err
}

func tokenRequestBody(t *testing.T, req tokenRequest) io.Reader {
	t.Helper()
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return strings.NewReader(string(b))
}

func TestServeToken_SuccessConsumesCodeAndActivates(t *testing.T) {
	accounts := newFakeAccounts()
	accounts.byID["acct-1"] = models.Account{ID: "acct-1", ExternalID: "grant-1", Status: models.AccountPending}
	codes := newFakeCodes()
	codes.codes["good-code"] = &authcode.Code{
		Value:         "good-code",
		ApplicationID: "app-1",
		AccountID:     "acct-1",
		RedirectURI:   "https://app.example.com/cb",
		ExpiresAt:     time.Now().Add(10 * time.Minute),
	}
	tx := NewTokenExchange(&fakeAuthenticator{subject: "app-1"}, accounts, codes, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/token", tokenRequestBody(t, tokenRequest{
		GrantType: "authorization_code", Code: "good-code", ClientID: "app-1", RedirectURI: "https://app.example.com/cb",
	}))
	rec := httptest.NewRecorder()
	tx.ServeToken(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp tokenResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.GrantID != "grant-1" {
		t.Errorf("expected grant_id grant-1, got %s", resp.GrantID)
	}

	acct, _ := accounts.GetByID(context.Background(), "acct-1")
	if acct.Status != models.AccountActive {
		t.Errorf("expected account activated, got %s", acct.Status)
	}
	if _, err := codes.Consume(context.Background(), "good-code"); !errors.Is(err, authcode.ErrAlreadyUsed) {
		t.Error("expected code already consumed")
	}
}

func TestServeToken_WrongGrantType(t *testing.T) {
	tx := NewTokenExchange(&fakeAuthenticator{subject: "app-1"}, newFakeAccounts(), newFakeCodes(), zerolog.Nop())
	req := httptest.NewRequest(http.MethodPost, "/token", tokenRequestBody(t, tokenRequest{GrantType: "implicit"}))
	rec := httptest.NewRecorder()
	tx.ServeToken(rec, req)
	assertKind(t, rec, apierr.UnsupportedGrantType)
}

func TestServeToken_ClientIDMismatch(t *testing.T) {
	tx := NewTokenExchange(&fakeAuthenticator{subject: "app-1"}, newFakeAccounts(), newFakeCodes(), zerolog.Nop())
	req := httptest.NewRequest(http.MethodPost, "/token", tokenRequestBody(t, tokenRequest{
		GrantType: "authorization_code", ClientID: "app-2",
	}))
	rec := httptest.NewRecorder()
	tx.ServeToken(rec, req)
	assertKind(t, rec, apierr.InvalidClient)
}

func TestServeToken_UnknownCode(t *testing.T) {
	tx := NewTokenExchange(&fakeAuthenticator{subject: "app-1"}, newFakeAccounts(), newFakeCodes(), zerolog.Nop())
	req := httptest.NewRequest(http.MethodPost, "/token", tokenRequestBody(t, tokenRequest{
		GrantType: "authorization_code", ClientID: "app-1", Code: "missing",
	}))
	rec := httptest.NewRecorder()
	tx.ServeToken(rec, req)
	assertKind(t, rec, apierr.InvalidGrant)
}

func TestServeToken_RedirectURIMismatch(t *testing.T) {
	codes := newFakeCodes()
	codes.codes["c1"] = &authcode.Code{
		Value: "c1", ApplicationID: "app-1", AccountID: "acct-1",
		RedirectURI: "https://app.example.com/cb", ExpiresAt: time.Now().Add(10 * time.Minute),
	}
	tx := NewTokenExchange(&fakeAuthenticator{subject: "app-1"}, newFakeAccounts(), codes, zerolog.Nop())
	req := httptest.NewRequest(http.MethodPost, "/token", tokenRequestBody(t, tokenRequest{
		GrantType: "authorization_code", ClientID: "app-1", Code: "c1", RedirectURI: "https://evil.example.com/cb",
	}))
	rec := httptest.NewRecorder()
	tx.ServeToken(rec, req)
	assertKind(t, rec, apierr.InvalidGrant)
}

func TestServeToken_ExpiredCode(t *testing.T) {
	codes := newFakeCodes()
	codes.codes["c1"] = &authcode.Code{
		Value: "c1", ApplicationID: "app-1", AccountID: "acct-1",
		RedirectURI: "https://app.example.com/cb", ExpiresAt: time.Now().Add(-time.Minute),
	}
	tx := NewTokenExchange(&fakeAuthenticator{subject: "app-1"}, newFakeAccounts(), codes, zerolog.Nop())
	req := httptest.NewRequest(http.MethodPost, "/token", tokenRequestBody(t, tokenRequest{
		GrantType: "authorization_code", ClientID: "app-1", Code: "c1", RedirectURI: "https://app.example.com/cb",
	}))
	rec := httptest.NewRecorder()
	tx.ServeToken(rec, req)
	assertKind(t, rec, apierr.InvalidGrant)
}

func assertKind(t *testing.T, rec *httptest.ResponseRecorder, kind apierr.Kind) {
	t.Helper()
	if rec.Code != apierr.Status(kind) {
		t.Errorf("expected status %d for kind %s, got %d: %s", apierr.Status(kind), kind, rec.Code, rec.Body.String())
	}
}
