package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeet-patel/subscription-ledger/internal/bonus"
	"github.com/jeet-patel/subscription-ledger/internal/gateway"
	"github.com/jeet-patel/subscription-ledger/internal/ledger"
	"github.com/jeet-patel/subscription-ledger/internal/models"
	"github.com/jeet-patel/subscription-ledger/internal/referral"
	"github.com/jeet-patel/subscription-ledger/internal/subscription"
	"github.com/jeet-patel/subscription-ledger/internal/testutil"
)

const secret = "whsec_test"

var now = time.Date(2024, 7, 1, 8, 30, 0, 0, time.UTC)

type fixture struct {
	mem       *testutil.MemStore
	bonus     *bonus.Store
	registrar *referral.Registrar
	notifier  *testutil.RecordingNotifier
	processor *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := testutil.NewMemStore()
	clock := ledger.FixedClock{FixedTime: now}
	store := bonus.NewStore(mem, mem, clock, nil)
	machine := subscription.NewMachine(mem, mem, testutil.NewFakeGateway(), store, nil,
		ledger.PriceTable{1: 1000, 2: 2000, 3: 4000}, clock, nil, subscription.Config{Currency: "RUB"})
	achievements := referral.NewAchievements(mem, mem, store, referral.Rewards{Referrer: 500, Referred: 250})
	registrar := referral.NewRegistrar(mem, achievements)
	notifier := &testutil.RecordingNotifier{}

	mem.AddProduct(models.Product{ID: "basic-1m", Name: "Basic Monthly", Type: models.ProductSubscriptionTier,
		TierLevel: 1, DurationMonths: 1, Price: 1000})
	mem.AddProfile(models.Profile{ID: "u1", Email: "u1@example.com", ReferralCode: "U1CODE"})
	mem.AddPromo(models.PromoCode{Code: "SPRING", AmountOff: 100, ValidFrom: now.Add(-time.Hour)})

	// 500 points earned, 200 reserved by the open payment
	_, err := store.Credit(context.Background(), "u1", 500, models.BonusManual, "seed")
	require.NoError(t, err)
	_, err = store.Debit(context.Background(), "u1", 200, models.BonusRedeem, "reserve")
	require.NoError(t, err)

	mem.AddTransaction(models.Transaction{
		ID:                "t1",
		UserID:            "u1",
		ProductID:         "basic-1m",
		ExternalPaymentID: "pay_1",
		Amount:            700,
		Status:            models.TxPending,
		Metadata: models.TransactionMetadata{
			ProductType:       models.ProductSubscriptionTier,
			Kind:              models.KindPurchase,
			TierLevel:         1,
			DurationMonths:    1,
			OriginalPrice:     1000,
			PromoCode:         "SPRING",
			PromoDiscount:     100,
			BonusUsed:         200,
			SavePaymentMethod: true,
		},
	})

	processor := NewProcessor(mem, mem, machine, store, registrar, notifier, clock, nil,
		Config{Secret: secret, Currency: "RUB"})
	return &fixture{mem: mem, bonus: store, registrar: registrar, notifier: notifier, processor: processor}
}

func eventBody(t *testing.T, event string, payment gateway.Payment) []byte {
	t.Helper()
	body, err := json.Marshal(Event{Event: event, Object: payment})
	require.NoError(t, err)
	return body
}

func (f *fixture) deliver(t *testing.T, event string, payment gateway.Payment) (string, error) {
	t.Helper()
	body := eventBody(t, event, payment)
	return f.processor.Handle(context.Background(), gateway.Sign(secret, body), body)
}

func (f *fixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	account, err := f.bonus.Balance(context.Background(), userID)
	require.NoError(t, err)
	return account.Balance
}

func succeededPayment() gateway.Payment {
	return gateway.Payment{
		ID:            "pay_1",
		Status:        gateway.StatusSucceeded,
		Amount:        gateway.Amount{Value: 700, Currency: "RUB"},
		PaymentMethod: &gateway.PaymentMethod{ID: "pm_card", Type: "bank_card", Saved: true},
	}
}

func TestHandle_Succeeded(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.deliver(t, EventPaymentSucceeded, succeededPayment())
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	f.processor.Wait()

	assert.Equal(t, models.TxSucceeded, f.mem.Transaction("pay_1").Status)

	p := f.mem.Profile("u1")
	assert.Equal(t, models.TierBasic, p.Tier)
	assert.Equal(t, models.StatusActive, p.Status)
	assert.Equal(t, now.Add(30*24*time.Hour), *p.ExpiresAt)
	assert.True(t, p.AutoRenew)
	require.NotNil(t, p.PaymentMethodID)
	assert.Equal(t, "pm_card", *p.PaymentMethodID)

	// 3% of 700 paid
	assert.Equal(t, int64(321), f.balance(t, "u1"))
	assert.Equal(t, 1, f.mem.Promo("SPRING").Redemptions)

	receipts := f.notifier.Receipts()
	require.Len(t, receipts, 1)
	assert.Equal(t, "u1@example.com", receipts[0].Email)
	assert.Equal(t, int64(700), receipts[0].Amount)
	assert.Equal(t, int64(21), receipts[0].Cashback)
	assert.Equal(t, int64(200), receipts[0].BonusUsed)
	assert.Equal(t, models.TierBasic, receipts[0].Tier)
}

func TestHandle_SucceededReplayIsNoop(t *testing.T) {
	f := newFixture(t)

	_, err := f.deliver(t, EventPaymentSucceeded, succeededPayment())
	require.NoError(t, err)
	f.processor.Wait()
	expires := *f.mem.Profile("u1").ExpiresAt
	entries := len(f.mem.BonusEntries("u1"))

	for i := 0; i < 3; i++ {
		outcome, err := f.deliver(t, EventPaymentSucceeded, succeededPayment())
		require.NoError(t, err)
		assert.Equal(t, OutcomeReplayed, outcome)
	}
	f.processor.Wait()

	assert.Equal(t, expires, *f.mem.Profile("u1").ExpiresAt)
	assert.Len(t, f.mem.BonusEntries("u1"), entries)
	assert.Equal(t, 1, f.mem.Promo("SPRING").Redemptions)
	assert.Len(t, f.notifier.Receipts(), 1)
}

func TestHandle_InvalidSignature(t *testing.T) {
	f := newFixture(t)
	body := eventBody(t, EventPaymentSucceeded, succeededPayment())

	for _, sig := range []string{"", "deadbeef", gateway.Sign("wrong-secret", body), "not-hex"} {
		_, err := f.processor.Handle(context.Background(), sig, body)
		assert.ErrorIs(t, err, models.ErrSignatureInvalid)
	}
	f.processor.Wait()

	assert.Equal(t, models.TxPending, f.mem.Transaction("pay_1").Status)
	assert.Equal(t, models.StatusInactive, f.mem.Profile("u1").Status)
	assert.Empty(t, f.notifier.Receipts())
}

func TestHandle_SignatureWithPrefix(t *testing.T) {
	f := newFixture(t)
	body := eventBody(t, EventPaymentSucceeded, succeededPayment())

	outcome, err := f.processor.Handle(context.Background(), "sha256="+gateway.Sign(secret, body), body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	f.processor.Wait()
}

func TestHandle_Malformed(t *testing.T) {
	f := newFixture(t)

	testCases := map[string][]byte{
		"not json":    []byte("{not json"),
		"no event":    []byte(`{"object":{"id":"pay_1"}}`),
		"no payment":  []byte(`{"event":"payment.succeeded","object":{}}`),
		"wrong shape": []byte(`{"event":"payment.succeeded","object":[]}`),
	}
	for name, body := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := f.processor.Handle(context.Background(), gateway.Sign(secret, body), body)
			assert.True(t, errors.Is(err, models.ErrMalformedPayload), "got %v", err)
		})
	}
	assert.Equal(t, models.TxPending, f.mem.Transaction("pay_1").Status)
}

func TestHandle_UnknownEventIgnored(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.deliver(t, "refund.succeeded", gateway.Payment{ID: "pay_1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Equal(t, models.TxPending, f.mem.Transaction("pay_1").Status)
}

func TestHandle_UnknownPayment(t *testing.T) {
	f := newFixture(t)

	_, err := f.deliver(t, EventPaymentSucceeded, gateway.Payment{ID: "pay_missing", Status: gateway.StatusSucceeded})
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestHandle_FailureRollsBackAndRedeliveryApplies(t *testing.T) {
	f := newFixture(t)
	f.mem.FailOn("SaveSubscription", errors.New("deadlock detected"))

	_, err := f.deliver(t, EventPaymentSucceeded, succeededPayment())
	require.Error(t, err)
	assert.Equal(t, models.TxPending, f.mem.Transaction("pay_1").Status)
	assert.Equal(t, int64(300), f.balance(t, "u1"))
	assert.Zero(t, f.mem.Promo("SPRING").Redemptions)

	f.mem.FailOn("SaveSubscription", nil)
	outcome, err := f.deliver(t, EventPaymentSucceeded, succeededPayment())
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	f.processor.Wait()
	assert.Equal(t, models.StatusActive, f.mem.Profile("u1").Status)
}

func TestHandle_Canceled(t *testing.T) {
	f := newFixture(t)
	payment := gateway.Payment{
		ID:                  "pay_1",
		Status:              gateway.StatusCanceled,
		CancellationDetails: &gateway.CancellationDetails{Party: "issuer", Reason: "card_expired"},
	}

	outcome, err := f.deliver(t, EventPaymentCanceled, payment)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	tx := f.mem.Transaction("pay_1")
	assert.Equal(t, models.TxCanceled, tx.Status)
	require.NotNil(t, tx.CancellationReason)
	assert.Equal(t, "card_expired", *tx.CancellationReason)
	assert.Equal(t, int64(500), f.balance(t, "u1"), "reserved points returned")
	assert.Equal(t, models.StatusInactive, f.mem.Profile("u1").Status)

	outcome, err = f.deliver(t, EventPaymentCanceled, payment)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplayed, outcome)
	assert.Equal(t, int64(500), f.balance(t, "u1"))

	// a late success for a canceled payment changes nothing
	outcome, err = f.deliver(t, EventPaymentSucceeded, succeededPayment())
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplayed, outcome)
	f.processor.Wait()
	assert.Empty(t, f.notifier.Receipts())

	balance, sum, err := f.bonus.Reconcile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, balance, sum)
}

func TestHandle_CanceledRenewalCountsFailure(t *testing.T) {
	f := newFixture(t)
	expires := now.Add(5 * 24 * time.Hour)
	method := "pm_card"
	f.mem.AddProfile(models.Profile{ID: "r1", Tier: models.TierBasic, Status: models.StatusActive,
		ExpiresAt: &expires, DurationMonths: 1, AutoRenew: true, PaymentMethodID: &method, NextBillingDate: &expires})
	f.mem.AddTransaction(models.Transaction{
		ID: "t-renew", UserID: "r1", ProductID: "basic-1m", ExternalPaymentID: "pay_renew",
		Amount: 1000, Status: models.TxPending,
		Metadata: models.TransactionMetadata{ProductType: models.ProductSubscriptionTier, Kind: models.KindRenewal, DurationMonths: 1},
	})

	_, err := f.deliver(t, EventPaymentCanceled, gateway.Payment{ID: "pay_renew", Status: gateway.StatusCanceled})
	require.NoError(t, err)
	assert.Equal(t, 1, f.mem.Profile("r1").FailedPaymentAttempts)
	assert.Equal(t, models.StatusActive, f.mem.Profile("r1").Status)
}

func TestHandle_SucceededRenewalExtends(t *testing.T) {
	f := newFixture(t)
	expires := now.Add(6 * time.Hour)
	method := "pm_card"
	f.mem.AddProfile(models.Profile{ID: "r1", Tier: models.TierBasic, Status: models.StatusActive,
		ExpiresAt: &expires, DurationMonths: 1, AutoRenew: true, PaymentMethodID: &method,
		NextBillingDate: &expires, FailedPaymentAttempts: 2})
	f.mem.AddTransaction(models.Transaction{
		ID: "t-renew", UserID: "r1", ProductID: "basic-1m", ExternalPaymentID: "pay_renew",
		Amount: 1000, Status: models.TxPending,
		Metadata: models.TransactionMetadata{ProductType: models.ProductSubscriptionTier, Kind: models.KindRenewal, DurationMonths: 1},
	})

	_, err := f.deliver(t, EventPaymentSucceeded, gateway.Payment{ID: "pay_renew", Status: gateway.StatusSucceeded})
	require.NoError(t, err)
	f.processor.Wait()

	p := f.mem.Profile("r1")
	assert.Equal(t, expires.Add(30*24*time.Hour), *p.ExpiresAt)
	assert.Equal(t, *p.ExpiresAt, *p.NextBillingDate)
	assert.Zero(t, p.FailedPaymentAttempts)
}

func TestHandle_FirstPurchasePaysReferral(t *testing.T) {
	f := newFixture(t)
	f.mem.AddProfile(models.Profile{ID: "inviter", ReferralCode: "INVITE1"})
	_, created, err := f.registrar.Register(context.Background(), "INVITE1", "u1")
	require.NoError(t, err)
	require.True(t, created)

	_, err = f.deliver(t, EventPaymentSucceeded, succeededPayment())
	require.NoError(t, err)
	f.processor.Wait()

	assert.Equal(t, int64(500), f.balance(t, "inviter"))
	// 300 left after reservation, 21 cashback, 250 welcome reward
	assert.Equal(t, int64(571), f.balance(t, "u1"))
}

func TestHandle_NotificationFailureDoesNotFail(t *testing.T) {
	f := newFixture(t)
	f.notifier.Err = errors.New("smtp down")

	outcome, err := f.deliver(t, EventPaymentSucceeded, succeededPayment())
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	f.processor.Wait()
	assert.Len(t, f.notifier.Receipts(), 1)
}

// deliverConcurrently sends each body from its own goroutine, all released at once.
func (f *fixture) deliverConcurrently(t *testing.T, bodies [][]byte) (outcomes []string, errs []error) {
	t.Helper()
	outcomes = make([]string, len(bodies))
	errs = make([]error, len(bodies))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, body := range bodies {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			outcomes[i], errs[i] = f.processor.Handle(context.Background(), gateway.Sign(secret, body), body)
		}()
	}
	close(start)
	wg.Wait()
	f.processor.Wait()
	return outcomes, errs
}

func count(outcomes []string, want string) int {
	n := 0
	for _, o := range outcomes {
		if o == want {
			n++
		}
	}
	return n
}

func TestHandle_ConcurrentDeliveriesApplyOnce(t *testing.T) {
	f := newFixture(t)
	body := eventBody(t, EventPaymentSucceeded, succeededPayment())
	bodies := make([][]byte, 16)
	for i := range bodies {
		bodies[i] = body
	}

	outcomes, errs := f.deliverConcurrently(t, bodies)
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, count(outcomes, OutcomeApplied))
	assert.Equal(t, len(bodies)-1, count(outcomes, OutcomeReplayed))

	var cashback int
	for _, e := range f.mem.BonusEntries("u1") {
		if e.Type == models.BonusCashback {
			cashback++
		}
	}
	assert.Equal(t, 1, cashback)
	assert.Len(t, f.notifier.Receipts(), 1)
	assert.Equal(t, 1, f.mem.Promo("SPRING").Redemptions)
	assert.Equal(t, now.Add(30*24*time.Hour), *f.mem.Profile("u1").ExpiresAt)

	balance, sum, err := f.bonus.Reconcile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, sum, balance)
	assert.Equal(t, int64(321), balance)
}

func TestHandle_ConcurrentSucceededAndCanceled(t *testing.T) {
	f := newFixture(t)
	succeeded := eventBody(t, EventPaymentSucceeded, succeededPayment())
	canceled := eventBody(t, EventPaymentCanceled, gateway.Payment{ID: "pay_1", Status: gateway.StatusCanceled})
	var bodies [][]byte
	for i := 0; i < 8; i++ {
		bodies = append(bodies, succeeded, canceled)
	}

	outcomes, errs := f.deliverConcurrently(t, bodies)
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, count(outcomes, OutcomeApplied))

	balance, sum, err := f.bonus.Reconcile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, sum, balance)

	switch f.mem.Transaction("pay_1").Status {
	case models.TxSucceeded:
		assert.Equal(t, int64(321), balance)
		assert.Len(t, f.notifier.Receipts(), 1)
	case models.TxCanceled:
		assert.Equal(t, int64(500), balance)
		assert.Empty(t, f.notifier.Receipts())
		assert.Equal(t, models.TierFree, f.mem.Profile("u1").Tier)
	default:
		t.Fatalf("transaction left %s", f.mem.Transaction("pay_1").Status)
	}
}
