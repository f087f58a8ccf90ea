// Package testutil provides an in-memory stand-in for the Postgres
// repository, with the same method set and claim semantics, for unit tests.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jeet-patel/subscription-ledger/internal/models"
)

type txKey struct{}

type state struct {
	profiles     map[string]models.Profile
	products     map[string]models.Product
	transactions map[string]models.Transaction // by external payment id
	accounts     map[string]models.BonusAccount
	bonusTx      []models.BonusTransaction
	referrals    map[string]models.Referral // by referred id
	achievements map[string]bool
	packs        map[string]string
	renewals     map[string]bool
	promos       map[string]models.PromoCode
}

func newState() state {
	return state{
		profiles:     map[string]models.Profile{},
		products:     map[string]models.Product{},
		transactions: map[string]models.Transaction{},
		accounts:     map[string]models.BonusAccount{},
		referrals:    map[string]models.Referral{},
		achievements: map[string]bool{},
		packs:        map[string]string{},
		renewals:     map[string]bool{},
		promos:       map[string]models.PromoCode{},
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s state) clone() state {
	return state{
		profiles:     cloneMap(s.profiles),
		products:     cloneMap(s.products),
		transactions: cloneMap(s.transactions),
		accounts:     cloneMap(s.accounts),
		bonusTx:      append([]models.BonusTransaction(nil), s.bonusTx...),
		referrals:    cloneMap(s.referrals),
		achievements: cloneMap(s.achievements),
		packs:        cloneMap(s.packs),
		renewals:     cloneMap(s.renewals),
		promos:       cloneMap(s.promos),
	}
}

// MemStore implements every repository interface in memory. Transactions
// are serialized and roll back to a snapshot when fn fails.
type MemStore struct {
	txMu sync.Mutex
	mu   sync.Mutex
	s    state
	now  func() time.Time

	failures map[string]error
	Commits  int
}

func NewMemStore() *MemStore {
	return &MemStore{s: newState(), now: time.Now, failures: map[string]error{}}
}

// FailOn makes method return err until cleared with a nil err.
func (m *MemStore) FailOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

func (m *MemStore) fail(method string) error {
	return m.failures[method]
}

func (m *MemStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	snapshot := m.s.clone()
	m.mu.Unlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		m.mu.Lock()
		m.s = snapshot
		m.mu.Unlock()
		return err
	}
	m.mu.Lock()
	m.Commits++
	m.mu.Unlock()
	return nil
}

// Seed helpers

func (m *MemStore) AddProfile(p models.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Tier == "" {
		p.Tier = models.TierFree
	}
	if p.Status == "" {
		p.Status = models.StatusInactive
	}
	m.s.profiles[p.ID] = p
}

func (m *MemStore) AddProduct(p models.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.products[p.ID] = p
}

func (m *MemStore) AddPromo(p models.PromoCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.promos[p.Code] = p
}

func (m *MemStore) AddTransaction(t models.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.transactions[t.ExternalPaymentID] = t
}

// Inspection helpers

func (m *MemStore) Profile(id string) models.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.profiles[id]
}

func (m *MemStore) Transaction(externalID string) models.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.transactions[externalID]
}

func (m *MemStore) Transactions() []models.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Transaction, 0, len(m.s.transactions))
	for _, t := range m.s.transactions {
		out = append(out, t)
	}
	return out
}

func (m *MemStore) BonusEntries(userID string) []models.BonusTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.BonusTransaction
	for _, t := range m.s.bonusTx {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out
}

func (m *MemStore) PackGranted(transactionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.s.packs[transactionID]
	return ok
}

func (m *MemStore) Promo(code string) models.PromoCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.promos[code]
}

// Profiles

func (m *MemStore) CreateProfile(ctx context.Context, p *models.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateProfile"); err != nil {
		return err
	}
	if _, ok := m.s.profiles[p.ID]; ok {
		return models.Errorf(models.ErrInvalidState, "profile %s exists", p.ID)
	}
	p.CreatedAt, p.UpdatedAt = m.now(), m.now()
	m.s.profiles[p.ID] = *p
	return nil
}

func (m *MemStore) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetProfile"); err != nil {
		return nil, err
	}
	p, ok := m.s.profiles[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *MemStore) GetProfileByReferralCode(ctx context.Context, code string) (*models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.s.profiles {
		if p.ReferralCode == code {
			return &p, nil
		}
	}
	return nil, nil
}

func (m *MemStore) SaveSubscription(ctx context.Context, p *models.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SaveSubscription"); err != nil {
		return err
	}
	cur, ok := m.s.profiles[p.ID]
	if !ok {
		return models.Errorf(models.ErrNotFound, "profile %s", p.ID)
	}
	cur.Tier = p.Tier
	cur.Status = p.Status
	cur.ExpiresAt = p.ExpiresAt
	cur.DurationMonths = p.DurationMonths
	cur.AutoRenew = p.AutoRenew
	cur.PaymentMethodID = p.PaymentMethodID
	cur.NextBillingDate = p.NextBillingDate
	cur.FailedPaymentAttempts = p.FailedPaymentAttempts
	cur.UpdatedAt = m.now()
	m.s.profiles[p.ID] = cur
	return nil
}

func (m *MemStore) IncrementFailedPayments(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.s.profiles[userID]
	if !ok {
		return 0, models.Errorf(models.ErrNotFound, "profile %s", userID)
	}
	p.FailedPaymentAttempts++
	m.s.profiles[userID] = p
	return p.FailedPaymentAttempts, nil
}

func (m *MemStore) ListDueRenewals(ctx context.Context, cutoff time.Time) ([]models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListDueRenewals"); err != nil {
		return nil, err
	}
	renewing := m.pendingRenewals()
	var out []models.Profile
	for _, p := range m.s.profiles {
		if p.Status == models.StatusActive && p.AutoRenew && p.PaymentMethodID != nil &&
			p.NextBillingDate != nil && p.NextBillingDate.Before(cutoff) && !renewing[p.ID] {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextBillingDate.Before(*out[j].NextBillingDate) })
	return out, nil
}

// pendingRenewals returns the users with a renewal charge awaiting the gateway.
func (m *MemStore) pendingRenewals() map[string]bool {
	out := map[string]bool{}
	for _, t := range m.s.transactions {
		if t.Status == models.TxPending && t.Metadata.Kind == models.KindRenewal {
			out[t.UserID] = true
		}
	}
	return out
}

func (m *MemStore) ClaimRenewalAttempt(ctx context.Context, userID string, billingDate time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := userID + "|" + billingDate.Format("2006-01-02")
	if m.s.renewals[key] {
		return false, nil
	}
	m.s.renewals[key] = true
	return true, nil
}

func (m *MemStore) LapseExpired(ctx context.Context, now time.Time, maxFailed int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("LapseExpired"); err != nil {
		return 0, err
	}
	renewing := m.pendingRenewals()
	var n int64
	for id, p := range m.s.profiles {
		if p.Status != models.StatusActive && p.Status != models.StatusCanceled {
			continue
		}
		if p.ExpiresAt == nil || !p.ExpiresAt.Before(now) || renewing[id] {
			continue
		}
		if p.Status == models.StatusActive && p.AutoRenew && p.PaymentMethodID != nil &&
			p.FailedPaymentAttempts < maxFailed {
			continue
		}
		p.Status = models.StatusInactive
		p.Tier = models.TierFree
		p.AutoRenew = false
		p.NextBillingDate = nil
		m.s.profiles[id] = p
		n++
	}
	return n, nil
}

// Products

func (m *MemStore) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.s.products[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *MemStore) FindSubscriptionProduct(ctx context.Context, tierLevel, durationMonths int) (*models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.Product
	for _, p := range m.s.products {
		if p.Type == models.ProductSubscriptionTier && p.TierLevel == tierLevel && p.DurationMonths == durationMonths {
			if best == nil || p.Price < best.Price {
				p := p
				best = &p
			}
		}
	}
	return best, nil
}

// Transactions

func (m *MemStore) CreateTransaction(ctx context.Context, t *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateTransaction"); err != nil {
		return err
	}
	if _, ok := m.s.transactions[t.ExternalPaymentID]; ok {
		return models.Errorf(models.ErrInvalidState, "payment %s already recorded", t.ExternalPaymentID)
	}
	t.CreatedAt, t.UpdatedAt = m.now(), m.now()
	m.s.transactions[t.ExternalPaymentID] = *t
	return nil
}

func (m *MemStore) GetTransactionByExternalID(ctx context.Context, externalID string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetTransactionByExternalID"); err != nil {
		return nil, err
	}
	t, ok := m.s.transactions[externalID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *MemStore) ClaimTransaction(ctx context.Context, externalID string, status models.TransactionStatus, reason *string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ClaimTransaction"); err != nil {
		return nil, err
	}
	t, ok := m.s.transactions[externalID]
	if !ok || t.Status != models.TxPending {
		return nil, nil
	}
	t.Status = status
	t.CancellationReason = reason
	t.UpdatedAt = m.now()
	m.s.transactions[externalID] = t
	return &t, nil
}

func (m *MemStore) GetLastSucceededSubscription(ctx context.Context, userID, excludeID string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *models.Transaction
	for _, t := range m.s.transactions {
		if t.UserID != userID || t.Status != models.TxSucceeded || t.ID == excludeID ||
			t.Metadata.ProductType != models.ProductSubscriptionTier {
			continue
		}
		if last == nil || t.UpdatedAt.After(last.UpdatedAt) {
			t := t
			last = &t
		}
	}
	return last, nil
}

func (m *MemStore) HasSucceededTransaction(ctx context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.s.transactions {
		if t.UserID == userID && t.Status == models.TxSucceeded {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) GrantPack(ctx context.Context, userID, productID, transactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.s.packs[transactionID]; !ok {
		m.s.packs[transactionID] = productID
	}
	return nil
}

// Bonus ledger

func (m *MemStore) EnsureBonusAccount(ctx context.Context, userID string) (*models.BonusAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("EnsureBonusAccount"); err != nil {
		return nil, err
	}
	a, ok := m.s.accounts[userID]
	if !ok {
		a = models.BonusAccount{UserID: userID, CashbackLevel: 1, CreatedAt: m.now(), UpdatedAt: m.now()}
		m.s.accounts[userID] = a
	}
	return &a, nil
}

// SetCashbackLevel changes an account's level, creating it if needed.
func (m *MemStore) SetCashbackLevel(userID string, level int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.s.accounts[userID]
	if !ok {
		a = models.BonusAccount{UserID: userID}
	}
	a.CashbackLevel = level
	m.s.accounts[userID] = a
}

func (m *MemStore) AdjustBonusBalance(ctx context.Context, userID string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("AdjustBonusBalance"); err != nil {
		return 0, err
	}
	a, ok := m.s.accounts[userID]
	if !ok || a.Balance+delta < 0 {
		return 0, models.Errorf(models.ErrInsufficientBalance, "cannot apply %d to balance of %s", delta, userID).
			WithDetail("requested", -delta)
	}
	a.Balance += delta
	a.UpdatedAt = m.now()
	m.s.accounts[userID] = a
	return a.Balance, nil
}

func (m *MemStore) InsertBonusTransaction(ctx context.Context, t *models.BonusTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InsertBonusTransaction"); err != nil {
		return err
	}
	m.s.bonusTx = append(m.s.bonusTx, *t)
	return nil
}

func (m *MemStore) SumBonusTransactions(ctx context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, t := range m.s.bonusTx {
		if t.UserID == userID {
			sum += t.Amount
		}
	}
	return sum, nil
}

func (m *MemStore) ListBonusTransactions(ctx context.Context, userID string, limit int) ([]models.BonusTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.BonusTransaction
	for i := len(m.s.bonusTx) - 1; i >= 0 && len(out) < limit; i-- {
		if m.s.bonusTx[i].UserID == userID {
			out = append(out, m.s.bonusTx[i])
		}
	}
	return out, nil
}

// Referrals, achievements and promo codes

func (m *MemStore) CreateReferral(ctx context.Context, r *models.Referral) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.s.referrals[r.ReferredID]; ok {
		return false, nil
	}
	r.CreatedAt, r.UpdatedAt = m.now(), m.now()
	m.s.referrals[r.ReferredID] = *r
	return true, nil
}

func (m *MemStore) GetReferralByReferred(ctx context.Context, referredID string) (*models.Referral, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.s.referrals[referredID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *MemStore) MarkReferralFirstPurchase(ctx context.Context, referredID string) (*models.Referral, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.s.referrals[referredID]
	if !ok || r.Status != models.ReferralRegistered {
		return nil, nil
	}
	r.Status = models.ReferralFirstPurchaseMade
	r.UpdatedAt = m.now()
	m.s.referrals[referredID] = r
	return &r, nil
}

func (m *MemStore) ListRewardableReferrals(ctx context.Context, userID string) ([]models.Referral, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Referral
	for _, r := range m.s.referrals {
		if (r.ReferrerID == userID || r.ReferredID == userID) && r.Status == models.ReferralFirstPurchaseMade {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReferredID < out[j].ReferredID })
	return out, nil
}

func (m *MemStore) UnlockAchievement(ctx context.Context, userID, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := userID + "|" + key
	if m.s.achievements[k] {
		return false, nil
	}
	m.s.achievements[k] = true
	return true, nil
}

func (m *MemStore) GetPromoCode(ctx context.Context, code string) (*models.PromoCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetPromoCode"); err != nil {
		return nil, err
	}
	p, ok := m.s.promos[code]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *MemStore) RedeemPromoCode(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.s.promos[code]; ok {
		p.Redemptions++
		m.s.promos[code] = p
	}
	return nil
}
