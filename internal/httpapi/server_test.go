package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/verseforge/creditcore/pkg/credit"
)

// apiStore is an in-memory credit.Store backing the HTTP tests.
type apiStore struct {
	mu           sync.Mutex
	balances     map[string]*credit.Balance
	transactions map[string]*credit.Transaction
	order        []string
}

func newAPIStore() *apiStore {
	return &apiStore{
		balances:     make(map[string]*credit.Balance),
		transactions: make(map[string]*credit.Transaction),
	}
}

func (store *apiStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credit.Store) error) error {
	return fn(ctx, store)
}

func (store *apiStore) EnsureBalance(_ context.Context, userID string, startingBalance int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.balances[userID]; !ok {
		store.balances[userID] = &credit.Balance{UserID: userID, CurrentBalance: startingBalance}
	}
	return nil
}

func (store *apiStore) GetBalance(_ context.Context, userID string) (credit.Balance, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	balance, ok := store.balances[userID]
	if !ok {
		return credit.Balance{}, fmt.Errorf("%w: user %s", credit.ErrBalanceNotFound, userID)
	}
	return *balance, nil
}

func (store *apiStore) AdjustBalance(_ context.Context, userID string, delta int64) (credit.BalanceAdjustment, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	balance, ok := store.balances[userID]
	if !ok {
		return credit.BalanceAdjustment{}, fmt.Errorf("%w: user %s", credit.ErrBalanceNotFound, userID)
	}
	if balance.CurrentBalance+delta < 0 {
		return credit.BalanceAdjustment{Applied: false, CurrentBalance: balance.CurrentBalance}, nil
	}
	balance.CurrentBalance += delta
	return credit.BalanceAdjustment{Applied: true, CurrentBalance: balance.CurrentBalance}, nil
}

func (store *apiStore) AddTotalSpent(_ context.Context, userID string, amount int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	balance, ok := store.balances[userID]
	if !ok {
		return fmt.Errorf("%w: user %s", credit.ErrBalanceNotFound, userID)
	}
	balance.TotalSpent += amount
	return nil
}

func (store *apiStore) InsertTransaction(_ context.Context, txn credit.Transaction) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	stored := txn
	store.transactions[txn.ID] = &stored
	store.order = append(store.order, txn.ID)
	return nil
}

func (store *apiStore) GetTransactionForUpdate(_ context.Context, transactionID string) (credit.Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	txn, ok := store.transactions[transactionID]
	if !ok {
		return credit.Transaction{}, fmt.Errorf("%w: %s", credit.ErrTransactionNotFound, transactionID)
	}
	return *txn, nil
}

func (store *apiStore) UpdateTransactionStatus(_ context.Context, transactionID string, from credit.TransactionStatus, to credit.TransactionStatus, reason string, resolvedUnixUTC int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	txn, ok := store.transactions[transactionID]
	if !ok {
		return fmt.Errorf("%w: %s", credit.ErrTransactionNotFound, transactionID)
	}
	if txn.Status != from {
		return fmt.Errorf("%w: transaction %s is %s", credit.ErrInvalidTransactionState, transactionID, txn.Status)
	}
	txn.Status = to
	txn.Reason = reason
	txn.ResolvedUnixUTC = resolvedUnixUTC
	return nil
}

func (store *apiStore) ListTransactions(_ context.Context, userID string, limit int, offset int) ([]credit.Transaction, int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var matched []credit.Transaction
	for index := len(store.order) - 1; index >= 0; index-- {
		txn := store.transactions[store.order[index]]
		if txn.UserID == userID {
			matched = append(matched, *txn)
		}
	}
	total := int64(len(matched))
	if offset >= len(matched) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], total, nil
}

func (store *apiStore) ListStalePending(_ context.Context, olderThanUnixUTC int64, limit int) ([]credit.Transaction, error) {
	return nil, nil
}

func (store *apiStore) RecordReconcileAttempt(_ context.Context, transactionID string) (int, error) {
	return 0, nil
}

func (store *apiStore) MarkForReview(_ context.Context, transactionID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	txn, ok := store.transactions[transactionID]
	if !ok {
		return fmt.Errorf("%w: %s", credit.ErrTransactionNotFound, transactionID)
	}
	txn.RequiresReview = true
	return nil
}

// apiUsage is an in-memory UsageRecorder.
type apiUsage struct {
	mu     sync.Mutex
	counts map[string]map[credit.Feature]int64
}

func newAPIUsage() *apiUsage {
	return &apiUsage{counts: make(map[string]map[credit.Feature]int64)}
}

func (usage *apiUsage) FeatureUsage(_ context.Context, userID string, feature credit.Feature) (credit.UsageCount, error) {
	usage.mu.Lock()
	defer usage.mu.Unlock()
	return credit.UsageCount{Count: usage.counts[userID][feature], ResetAtUnixUTC: 1_700_100_000}, nil
}

func (usage *apiUsage) CurrentUsage(_ context.Context, userID string) (credit.UsageSnapshot, error) {
	usage.mu.Lock()
	defer usage.mu.Unlock()
	return credit.UsageSnapshot{
		Songs:          usage.counts[userID][credit.FeatureSong],
		Lyrics:         usage.counts[userID][credit.FeatureLyrics],
		Insights:       usage.counts[userID][credit.FeatureInsight],
		ResetAtUnixUTC: 1_700_100_000,
	}, nil
}

func (usage *apiUsage) RecordUsage(_ context.Context, userID string, feature credit.Feature) error {
	usage.mu.Lock()
	defer usage.mu.Unlock()
	if usage.counts[userID] == nil {
		usage.counts[userID] = make(map[credit.Feature]int64)
	}
	usage.counts[userID][feature]++
	return nil
}

func (usage *apiUsage) count(userID string, feature credit.Feature) int64 {
	usage.mu.Lock()
	defer usage.mu.Unlock()
	return usage.counts[userID][feature]
}

var testSigningKey = []byte("test-signing-key")

type testHarness struct {
	router http.Handler
	store  *apiStore
	usage  *apiUsage
}

func newTestHarness(test *testing.T) testHarness {
	test.Helper()
	store := newAPIStore()
	usage := newAPIUsage()
	clock := func() int64 { return int64(1_700_000_000) }
	ledger, err := credit.NewService(store, clock)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	checker, err := credit.NewUsageChecker(credit.NewFallbackTierProvider(nil), credit.StaticTierResolver{}, usage)
	if err != nil {
		test.Fatalf("new usage checker: %v", err)
	}
	arbiter, err := credit.NewArbiter(checker, ledger)
	if err != nil {
		test.Fatalf("new arbiter: %v", err)
	}
	server, err := New(Config{ListenAddr: ":0", SigningKey: testSigningKey}, Deps{
		Ledger:  ledger,
		Arbiter: arbiter,
		Usage:   usage,
		Store:   store,
	})
	if err != nil {
		test.Fatalf("new server: %v", err)
	}
	return testHarness{router: server.Router(), store: store, usage: usage}
}

func mintToken(test *testing.T, subject string, roles []string, tier string) string {
	test.Helper()
	claims := sessionClaims{
		Roles: roles,
		Tier:  tier,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSigningKey)
	if err != nil {
		test.Fatalf("sign token: %v", err)
	}
	return token
}

func (harness testHarness) do(test *testing.T, method string, path string, token string, body string) *httptest.ResponseRecorder {
	test.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	harness.router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(test *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	test.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		test.Fatalf("decode response: %v (%s)", err, recorder.Body.String())
	}
	return payload
}

func TestRequestsWithoutTokenAreRejected(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)

	recorder := harness.do(test, http.MethodGet, "/api/credits", "", "")
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestBalanceEndpointGrantsAndReturnsBalance(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	token := mintToken(test, "user-1", nil, "free")

	recorder := harness.do(test, http.MethodGet, "/api/credits", token, "")
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	if payload["current_balance"].(float64) != 100 {
		test.Fatalf("expected starting balance 100, got %v", payload["current_balance"])
	}
}

func TestChargeFlowDebitsAndRecordsUsage(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	token := mintToken(test, "user-1", nil, "free")

	recorder := harness.do(test, http.MethodPost, "/api/charges", token, `{"feature":"song","description":"song generation"}`)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	if payload["transaction_id"] == "" {
		test.Fatalf("expected transaction id, got %v", payload)
	}
	if harness.usage.count("user-1", credit.FeatureSong) != 1 {
		test.Fatalf("expected usage recorded once")
	}
	balance := harness.store.balances["user-1"]
	if balance.CurrentBalance != 90 || balance.TotalSpent != 10 {
		test.Fatalf("expected 90/10 after charge, got %d/%d", balance.CurrentBalance, balance.TotalSpent)
	}
}

func TestQuotaCheckReportsLimitExceeded(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	token := mintToken(test, "user-1", nil, "free")
	harness.usage.counts["user-1"] = map[credit.Feature]int64{credit.FeatureSong: 5}

	recorder := harness.do(test, http.MethodPost, "/api/quota/check", token, `{"feature":"song"}`)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	if payload["allowed"].(bool) {
		test.Fatalf("expected denial at 5/5, got %v", payload)
	}
	if payload["code"].(string) != string(credit.DecisionSubscriptionLimitExceeded) {
		test.Fatalf("expected limit code, got %v", payload["code"])
	}
}

func TestReservationDeniedReturnsPaymentRequired(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	token := mintToken(test, "user-1", nil, "free")

	recorder := harness.do(test, http.MethodPost, "/api/reservations", token, `{"amount":1000,"description":"bulk"}`)
	if recorder.Code != http.StatusPaymentRequired {
		test.Fatalf("expected 402, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	if payload["shortfall"].(float64) != 900 {
		test.Fatalf("expected shortfall 900, got %v", payload["shortfall"])
	}
}

func TestReserveCommitRoundTrip(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	token := mintToken(test, "user-1", nil, "free")

	reserve := harness.do(test, http.MethodPost, "/api/reservations", token, `{"amount":10,"description":"song"}`)
	if reserve.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", reserve.Code, reserve.Body.String())
	}
	transactionID := decodeBody(test, reserve)["transaction_id"].(string)

	commit := harness.do(test, http.MethodPost, "/api/reservations/"+transactionID+"/commit", token, "")
	if commit.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", commit.Code, commit.Body.String())
	}
	txn := harness.store.transactions[transactionID]
	if txn.Status != credit.StatusCompleted {
		test.Fatalf("expected completed, got %s", txn.Status)
	}
}

func TestCancelCompletedReservationConflicts(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	token := mintToken(test, "user-1", nil, "free")

	reserve := harness.do(test, http.MethodPost, "/api/reservations", token, `{"amount":10,"description":"song"}`)
	transactionID := decodeBody(test, reserve)["transaction_id"].(string)
	harness.do(test, http.MethodPost, "/api/reservations/"+transactionID+"/commit", token, "")

	cancel := harness.do(test, http.MethodPost, "/api/reservations/"+transactionID+"/cancel", token, `{"reason":"too late"}`)
	if cancel.Code != http.StatusConflict {
		test.Fatalf("expected 409, got %d: %s", cancel.Code, cancel.Body.String())
	}
}

func TestRefundRequiresAdminRole(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	userToken := mintToken(test, "user-1", nil, "free")
	adminToken := mintToken(test, "support-1", []string{"admin"}, "")

	denied := harness.do(test, http.MethodPost, "/api/refunds", userToken, `{"user_id":"user-1","amount":25}`)
	if denied.Code != http.StatusForbidden {
		test.Fatalf("expected 403 for non-admin, got %d", denied.Code)
	}

	granted := harness.do(test, http.MethodPost, "/api/refunds", adminToken, `{"user_id":"user-1","amount":25,"description":"goodwill"}`)
	if granted.Code != http.StatusOK {
		test.Fatalf("expected 200 for admin, got %d: %s", granted.Code, granted.Body.String())
	}
	if harness.store.balances["user-1"].CurrentBalance != 125 {
		test.Fatalf("expected balance 125 after refund, got %d", harness.store.balances["user-1"].CurrentBalance)
	}
}

func TestAdminBypassOnQuotaCheck(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	adminToken := mintToken(test, "admin-1", []string{"admin"}, "free")
	harness.usage.counts["admin-1"] = map[credit.Feature]int64{credit.FeatureSong: 999}

	recorder := harness.do(test, http.MethodPost, "/api/quota/check", adminToken, `{"feature":"song"}`)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	if payload["code"].(string) != string(credit.DecisionAdminBypass) {
		test.Fatalf("expected admin bypass, got %v", payload["code"])
	}
}

func TestValidateEndpointReportsUninitialized(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	token := mintToken(test, "new-user", nil, "free")

	recorder := harness.do(test, http.MethodPost, "/api/credits/validate", token, `{"amount":10}`)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	if payload["initialized"].(bool) {
		test.Fatalf("expected uninitialized, got %v", payload)
	}
	if payload["code"].(string) != "user_credits_not_initialized" {
		test.Fatalf("expected marker code, got %v", payload["code"])
	}
}
