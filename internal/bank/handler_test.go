package bank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/craftlink/backend/internal/middleware"
	"github.com/craftlink/backend/internal/models"
)

type stubService struct {
	account    *models.BankAccount
	accountErr error
	banks      []models.Bank
	banksErr   error

	gotUpsert  *UpsertRequest
	gotCountry string
}

func (s *stubService) UpsertAccount(ctx context.Context, providerID uuid.UUID, req UpsertRequest) (*models.BankAccount, error) {
	s.gotUpsert = &req
	if s.accountErr != nil {
		return nil, s.accountErr
	}
	return s.account, nil
}

func (s *stubService) GetAccount(ctx context.Context, providerID uuid.UUID) (*models.BankAccount, error) {
	if s.accountErr != nil {
		return nil, s.accountErr
	}
	return s.account, nil
}

func (s *stubService) ListBanks(ctx context.Context, country string) ([]models.Bank, error) {
	s.gotCountry = country
	if s.banksErr != nil {
		return nil, s.banksErr
	}
	return s.banks, nil
}

func doBankRequest(h *Handler, method, target, body string, ident *middleware.Identity) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	if ident != nil {
		req = req.WithContext(middleware.WithIdentity(req.Context(), ident))
	}
	rr := httptest.NewRecorder()

	switch {
	case strings.HasPrefix(target, "/v1/banks"):
		h.ListBanks(rr, req)
	case method == http.MethodPut:
		h.UpsertAccount(rr, req)
	default:
		h.GetAccount(rr, req)
	}
	return rr
}

func providerIdent() *middleware.Identity {
	return &middleware.Identity{AccountID: uuid.New(), Role: models.RoleProvider}
}

// ----------------------------------------------------------------------------
// Tests
// ----------------------------------------------------------------------------

func TestUpsertAccountRequiresProviderRole(t *testing.T) {
	h := NewHandler(&stubService{}, discardLogger())

	client := &middleware.Identity{AccountID: uuid.New(), Role: models.RoleClient}
	rr := doBankRequest(h, http.MethodPut, "/v1/providers/bank-account",
		`{"bank_code":"058","account_number":"0123456789","account_name":"Ada Okafor"}`, client)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("client upsert: expected 403, got %d", rr.Code)
	}

	rr = doBankRequest(h, http.MethodPut, "/v1/providers/bank-account", `{}`, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous upsert: expected 401, got %d", rr.Code)
	}
}

func TestUpsertAccountForwardsRequest(t *testing.T) {
	svc := &stubService{account: &models.BankAccount{BankCode: "058", AccountNumber: "0123456789"}}
	h := NewHandler(svc, discardLogger())

	rr := doBankRequest(h, http.MethodPut, "/v1/providers/bank-account",
		`{"bank_code":"058","account_number":"0123456789","account_name":"Ada Okafor","country":"NG"}`, providerIdent())
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if svc.gotUpsert == nil || svc.gotUpsert.BankCode != "058" || svc.gotUpsert.AccountName != "Ada Okafor" {
		t.Fatalf("service saw %+v", svc.gotUpsert)
	}
}

func TestUpsertAccountMapsInvalidState(t *testing.T) {
	svc := &stubService{accountErr: models.ErrInvalidState}
	h := NewHandler(svc, discardLogger())

	rr := doBankRequest(h, http.MethodPut, "/v1/providers/bank-account",
		`{"bank_code":"999","account_number":"0123456789","account_name":"Ada Okafor"}`, providerIdent())
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestGetAccountNotFoundMapsTo404(t *testing.T) {
	svc := &stubService{accountErr: models.ErrBankAccountNotFound}
	h := NewHandler(svc, discardLogger())

	rr := doBankRequest(h, http.MethodGet, "/v1/providers/bank-account", "", providerIdent())
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestListBanksForwardsCountry(t *testing.T) {
	svc := &stubService{banks: testBanks}
	h := NewHandler(svc, discardLogger())

	rr := doBankRequest(h, http.MethodGet, "/v1/banks?country=GH", "", providerIdent())
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if svc.gotCountry != "GH" {
		t.Fatalf("country = %q, want GH", svc.gotCountry)
	}

	var body struct {
		Banks []models.Bank `json:"banks"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Banks) != 2 {
		t.Fatalf("banks = %d, want 2", len(body.Banks))
	}
}

func TestListBanksUnavailableMapsTo503(t *testing.T) {
	svc := &stubService{banksErr: models.ErrGatewayUnavailable}
	h := NewHandler(svc, discardLogger())

	rr := doBankRequest(h, http.MethodGet, "/v1/banks", "", providerIdent())
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
