package handler_test

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/fundround/internal/funding/handler"
	"github.com/jmerrifield20/fundround/internal/funding/repository"
	"github.com/jmerrifield20/fundround/internal/funding/service"
	"github.com/jmerrifield20/fundround/internal/identity"
	"github.com/jmerrifield20/fundround/internal/journal"
	"github.com/jmerrifield20/fundround/pkg/address"
	"go.uber.org/zap"
)

const (
	testAudience = "fundround-test"
	adminSecret  = "let-me-in"
)

type party struct {
	key  ed25519.PrivateKey
	addr address.Address
}

func newParty(t *testing.T) party {
	t.Helper()
	key, err := identity.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	addr, _ := address.FromPublicKey(key.Public().(ed25519.PublicKey))
	return party{key: key, addr: addr}
}

// signer is a party authorising op for the request it is passed with.
type signer struct {
	party
	op string
}

func (p party) sign(op string) *signer {
	return &signer{party: p, op: op}
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	svc := service.NewRoundService(repository.NewMemoryStore(), journal.New(), 4, logger)
	verifier := identity.NewVerifier(testAudience, 5*time.Minute)

	accounts := handler.NewAccountHandler(svc, logger)
	accounts.EnableAirdrop(adminSecret)

	r := gin.New()
	r.Use(handler.BodyLimit())
	v1 := r.Group("/api/v1")
	handler.NewRoundHandler(svc, verifier, logger).Register(v1)
	accounts.Register(v1)
	return r
}

func do(t *testing.T, r http.Handler, method, path string, as *signer, body any, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if as != nil {
		tok, err := identity.Sign(as.key, testAudience, as.op,
			identity.RequestDigest(method, req.URL.Path, payload), time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func airdrop(t *testing.T, r http.Handler, a address.Address, amount uint64) {
	t.Helper()
	w, _ := do(t, r, http.MethodPost, "/api/v1/accounts/"+a.String()+"/airdrop", nil,
		map[string]uint64{"amount": amount}, identity.AdminSecretHeader, adminSecret)
	if w.Code != http.StatusOK {
		t.Fatalf("airdrop: status %d: %s", w.Code, w.Body.String())
	}
}

// createRound creates a four-party round and returns its ledger address.
func createRound(t *testing.T, r http.Handler, authority party, parties []party, expires time.Time) string {
	t.Helper()
	allowed := make([]string, len(parties))
	for i, p := range parties {
		allowed[i] = p.addr.String()
	}
	w, body := do(t, r, http.MethodPost, "/api/v1/rounds", authority.sign(identity.OpCreate), map[string]any{
		"allowed_depositors": allowed,
		"expires_at":         expires.Unix(),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create round: status %d: %s", w.Code, w.Body.String())
	}
	ledger := body["ledger"].(map[string]any)
	if ledger["authority"] != authority.addr.String() {
		t.Errorf("authority: got %v, want %s", ledger["authority"], authority.addr)
	}
	return ledger["address"].(string)
}

func TestRoundLifecycle(t *testing.T) {
	r := newTestRouter(t)
	authority := newParty(t)
	parties := []party{newParty(t), newParty(t), newParty(t), newParty(t)}
	for _, p := range parties {
		airdrop(t, r, p.addr, 1000)
	}

	ledger := createRound(t, r, authority, parties, time.Now().Add(time.Hour))

	for i, amount := range []uint64{100, 200, 300, 400} {
		w, body := do(t, r, http.MethodPost, "/api/v1/rounds/"+ledger+"/deposits",
			parties[i].sign(identity.OpDeposit), map[string]uint64{"amount": amount})
		if w.Code != http.StatusOK {
			t.Fatalf("deposit %d: status %d: %s", i, w.Code, w.Body.String())
		}
		if int(body["slot"].(float64)) != i {
			t.Errorf("deposit %d: slot %v", i, body["slot"])
		}
	}

	w, body := do(t, r, http.MethodGet, "/api/v1/rounds/"+ledger+"/vault", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("vault: status %d", w.Code)
	}
	if body["balance"].(float64) != 1000 {
		t.Errorf("vault balance: got %v, want 1000", body["balance"])
	}

	w, body = do(t, r, http.MethodGet, "/api/v1/rounds/"+ledger+"/audit", nil, nil)
	if w.Code != http.StatusOK || body["consistent"] != true {
		t.Errorf("audit: status %d body %v", w.Code, body)
	}

	w, body = do(t, r, http.MethodGet, "/api/v1/rounds/"+ledger, nil, nil)
	if w.Code != http.StatusOK || body["complete"] != true {
		t.Errorf("get round: status %d body %v", w.Code, body)
	}

	w, body = do(t, r, http.MethodGet, "/api/v1/accounts/"+parties[3].addr.String(), nil, nil)
	if w.Code != http.StatusOK || body["balance"].(float64) != 600 {
		t.Errorf("balance: status %d body %v", w.Code, body)
	}

	w, body = do(t, r, http.MethodGet, "/api/v1/rounds?limit=5", nil, nil)
	if w.Code != http.StatusOK || body["count"].(float64) != 1 {
		t.Errorf("list rounds: status %d body %v", w.Code, body)
	}
}

func TestDeposit_errorMapping(t *testing.T) {
	r := newTestRouter(t)
	authority := newParty(t)
	parties := []party{newParty(t), newParty(t), newParty(t), newParty(t)}
	stranger := newParty(t)
	for _, p := range append(parties, stranger) {
		airdrop(t, r, p.addr, 100)
	}
	ledger := createRound(t, r, authority, parties, time.Now().Add(time.Hour))
	path := "/api/v1/rounds/" + ledger + "/deposits"

	if w, _ := do(t, r, http.MethodPost, path, parties[0].sign(identity.OpDeposit), map[string]uint64{"amount": 50}); w.Code != http.StatusOK {
		t.Fatalf("first deposit: status %d: %s", w.Code, w.Body.String())
	}

	missing, _ := address.Random()
	cases := []struct {
		name   string
		path   string
		as     *signer
		amount uint64
		status int
		code   string
	}{
		{"already deposited", path, parties[0].sign(identity.OpDeposit), 10, http.StatusConflict, "AlreadyDeposited"},
		{"not whitelisted", path, stranger.sign(identity.OpDeposit), 10, http.StatusForbidden, "UnauthorizedDepositor"},
		{"zero amount", path, parties[1].sign(identity.OpDeposit), 0, http.StatusBadRequest, "ZeroAmount"},
		{"insufficient funds", path, parties[1].sign(identity.OpDeposit), 101, http.StatusPaymentRequired, "InsufficientFunds"},
		{"unknown ledger", "/api/v1/rounds/" + missing.String() + "/deposits", parties[1].sign(identity.OpDeposit), 10, http.StatusNotFound, "NotFound"},
		{"malformed ledger", "/api/v1/rounds/not-an-address/deposits", parties[1].sign(identity.OpDeposit), 10, http.StatusBadRequest, "InvalidRequest"},
		{"wrong operation", path, parties[1].sign(identity.OpCreate), 10, http.StatusUnauthorized, "Unauthenticated"},
		{"no token", path, nil, 10, http.StatusUnauthorized, "Unauthenticated"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, body := do(t, r, http.MethodPost, tc.path, tc.as, map[string]uint64{"amount": tc.amount})
			if w.Code != tc.status {
				t.Errorf("status %d, want %d: %s", w.Code, tc.status, w.Body.String())
			}
			if body["code"] != tc.code {
				t.Errorf("code %v, want %s", body["code"], tc.code)
			}
		})
	}
}

func TestDeposit_tokenBoundToRequest(t *testing.T) {
	r := newTestRouter(t)
	authority := newParty(t)
	parties := []party{newParty(t), newParty(t), newParty(t), newParty(t)}
	airdrop(t, r, parties[0].addr, 1000)
	first := createRound(t, r, authority, parties, time.Now().Add(time.Hour))
	second := createRound(t, r, authority, parties, time.Now().Add(time.Hour))

	signedPath := "/api/v1/rounds/" + first + "/deposits"
	signedBody := []byte(`{"amount":10}`)
	tok, err := identity.Sign(parties[0].key, testAudience, identity.OpDeposit,
		identity.RequestDigest(http.MethodPost, signedPath, signedBody), time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	send := func(path, body string) int {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader([]byte(body)))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := send(signedPath, `{"amount":900}`); code != http.StatusUnauthorized {
		t.Errorf("altered amount: status %d, want 401", code)
	}
	if code := send("/api/v1/rounds/"+second+"/deposits", string(signedBody)); code != http.StatusUnauthorized {
		t.Errorf("other round: status %d, want 401", code)
	}
	if code := send(signedPath, string(signedBody)); code != http.StatusOK {
		t.Errorf("signed request: status %d, want 200", code)
	}

	_, body := do(t, r, http.MethodGet, "/api/v1/accounts/"+parties[0].addr.String(), nil, nil)
	if body["balance"] != float64(990) {
		t.Errorf("balance after one bound deposit: got %v, want 990", body["balance"])
	}
}

func TestDeposit_expiredRound(t *testing.T) {
	r := newTestRouter(t)
	authority := newParty(t)
	parties := []party{newParty(t), newParty(t), newParty(t), newParty(t)}
	airdrop(t, r, parties[0].addr, 100)

	ledger := createRound(t, r, authority, parties, time.Now().Add(-time.Minute))
	w, body := do(t, r, http.MethodPost, "/api/v1/rounds/"+ledger+"/deposits",
		parties[0].sign(identity.OpDeposit), map[string]uint64{"amount": 10})
	if w.Code != http.StatusGone || body["code"] != "FundingExpired" {
		t.Errorf("status %d code %v, want 410 FundingExpired", w.Code, body["code"])
	}
}

func TestCreateRound_errors(t *testing.T) {
	r := newTestRouter(t)
	authority := newParty(t)
	parties := []party{newParty(t), newParty(t), newParty(t), newParty(t)}
	allowed := make([]string, len(parties))
	for i, p := range parties {
		allowed[i] = p.addr.String()
	}
	expires := time.Now().Add(time.Hour).Unix()

	ledger := createRound(t, r, authority, parties, time.Now().Add(time.Hour))

	cases := []struct {
		name   string
		body   map[string]any
		status int
		code   string
	}{
		{"reinitialization", map[string]any{"ledger": ledger, "allowed_depositors": allowed, "expires_at": expires}, http.StatusConflict, "ReinitializationRejected"},
		{"wrong whitelist size", map[string]any{"allowed_depositors": allowed[:3], "expires_at": expires}, http.StatusBadRequest, "InvalidRequest"},
		{"bad address", map[string]any{"allowed_depositors": []string{"x", "y", "z", "w"}, "expires_at": expires}, http.StatusBadRequest, "InvalidRequest"},
		{"missing expiry", map[string]any{"allowed_depositors": allowed}, http.StatusBadRequest, "InvalidRequest"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, body := do(t, r, http.MethodPost, "/api/v1/rounds", authority.sign(identity.OpCreate), tc.body)
			if w.Code != tc.status {
				t.Errorf("status %d, want %d: %s", w.Code, tc.status, w.Body.String())
			}
			if body["code"] != tc.code {
				t.Errorf("code %v, want %s", body["code"], tc.code)
			}
		})
	}
}

func TestAirdrop_requiresSecret(t *testing.T) {
	r := newTestRouter(t)
	p := newParty(t)
	path := "/api/v1/accounts/" + p.addr.String() + "/airdrop"

	w, _ := do(t, r, http.MethodPost, path, nil, map[string]uint64{"amount": 5})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("without secret: status %d, want 401", w.Code)
	}
	w, _ = do(t, r, http.MethodPost, path, nil, map[string]uint64{"amount": 5}, identity.AdminSecretHeader, "nope")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret: status %d, want 401", w.Code)
	}
}

func TestAirdrop_disabledByDefault(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := service.NewRoundService(repository.NewMemoryStore(), nil, 4, zap.NewNop())
	r := gin.New()
	handler.NewAccountHandler(svc, zap.NewNop()).Register(r.Group("/api/v1"))

	p := newParty(t)
	w, _ := do(t, r, http.MethodPost, "/api/v1/accounts/"+p.addr.String()+"/airdrop", nil,
		map[string]uint64{"amount": 5}, identity.AdminSecretHeader, "")
	if w.Code != http.StatusForbidden {
		t.Errorf("status %d, want 403", w.Code)
	}
}

func TestAirdrop_enabledAfterRegister(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := service.NewRoundService(repository.NewMemoryStore(), nil, 4, zap.NewNop())
	accounts := handler.NewAccountHandler(svc, zap.NewNop())
	r := gin.New()
	accounts.Register(r.Group("/api/v1"))
	accounts.EnableAirdrop(adminSecret)

	p := newParty(t)
	airdrop(t, r, p.addr, 5)
}
