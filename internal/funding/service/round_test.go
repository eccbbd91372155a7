package service_test

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/fundround/internal/funding/model"
	"github.com/jmerrifield20/fundround/internal/funding/repository"
	"github.com/jmerrifield20/fundround/internal/funding/service"
	"github.com/jmerrifield20/fundround/internal/journal"
	"github.com/jmerrifield20/fundround/internal/webhooks"
	"github.com/jmerrifield20/fundround/pkg/address"
	"go.uber.org/zap"
)

var ctx = context.Background()

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// T is the reference time scenarios are expressed against.
var T = time.Unix(1_700_000_000, 0).UTC()

type fixture struct {
	svc     *service.RoundService
	store   repository.Store
	journal *journal.MemoryJournal
	clock   *fakeClock
	parties []address.Address // A, B, C, D
	ledger  *model.Ledger
}

func stores(t *testing.T) map[string]repository.Store {
	t.Helper()
	sqlite, err := repository.NewSQLiteStore(filepath.Join(t.TempDir(), "fund.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	level, err := repository.NewLevelDBStore(filepath.Join(t.TempDir(), "ldb"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		sqlite.Close()
		level.Close()
	})
	return map[string]repository.Store{
		"memory":  repository.NewMemoryStore(),
		"sqlite":  sqlite,
		"leveldb": level,
	}
}

// newFixture creates a four-party round expiring at T+1000 and funds every
// party with 1000.
func newFixture(t *testing.T, store repository.Store) *fixture {
	t.Helper()
	f := &fixture{
		store:   store,
		journal: journal.New(),
		clock:   &fakeClock{now: T},
	}
	f.svc = service.NewRoundService(store, f.journal, 4, zap.NewNop())
	f.svc.SetClock(f.clock.Now)

	for i := 0; i < 4; i++ {
		a, err := address.Random()
		if err != nil {
			t.Fatal(err)
		}
		f.parties = append(f.parties, a)
		if _, err := f.svc.Airdrop(ctx, a, 1000); err != nil {
			t.Fatalf("airdrop: %v", err)
		}
	}

	authority, _ := address.Random()
	l, err := f.svc.CreateRound(ctx, &service.CreateRoundRequest{
		Authority:         authority,
		AllowedDepositors: f.parties,
		ExpiresAt:         T.Add(1000 * time.Second),
	})
	if err != nil {
		t.Fatalf("CreateRound: %v", err)
	}
	f.ledger = l
	return f
}

func (f *fixture) deposit(at time.Duration, who address.Address, amount uint64) (*service.DepositReceipt, error) {
	f.clock.Set(T.Add(at))
	return f.svc.Deposit(ctx, &service.DepositRequest{Ledger: f.ledger.Address, Depositor: who, Amount: amount})
}

// snapshot captures every ledger field plus the vault balance.
type snapshot struct {
	ledger *model.Ledger
	vault  uint64
}

func (f *fixture) snapshot(t *testing.T) snapshot {
	t.Helper()
	view, err := f.svc.GetRound(ctx, f.ledger.Address)
	if err != nil {
		t.Fatal(err)
	}
	return snapshot{ledger: view.Ledger, vault: view.Vault.Balance}
}

func (f *fixture) assertConsistent(t *testing.T) {
	t.Helper()
	report, err := f.svc.Audit(ctx, f.ledger.Address)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Consistent {
		t.Errorf("audit failed: %v", report.Problems)
	}
}

func assertUnchanged(t *testing.T, before, after snapshot) {
	t.Helper()
	if !reflect.DeepEqual(before.ledger.Deposits, after.ledger.Deposits) ||
		before.ledger.TotalCollected != after.ledger.TotalCollected ||
		before.ledger.DepositorsCount != after.ledger.DepositorsCount ||
		!before.ledger.UpdatedAt.Equal(after.ledger.UpdatedAt) {
		t.Errorf("ledger changed by a failed deposit:\nbefore %+v\nafter  %+v", before.ledger, after.ledger)
	}
	if before.vault != after.vault {
		t.Errorf("vault balance changed by a failed deposit: %d -> %d", before.vault, after.vault)
	}
}

func TestDeposit_scenarios(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, store)
			A, B := f.parties[0], f.parties[1]

			// 1. first deposit succeeds
			r, err := f.deposit(1*time.Second, A, 100)
			if err != nil {
				t.Fatalf("scenario 1: %v", err)
			}
			if r.Slot != 0 || r.TotalCollected != 100 || r.DepositorsCount != 1 {
				t.Errorf("scenario 1 receipt: %+v", r)
			}
			s1 := f.snapshot(t)
			if !reflect.DeepEqual(s1.ledger.Deposits, []uint64{100, 0, 0, 0}) {
				t.Errorf("scenario 1 deposits: %v", s1.ledger.Deposits)
			}
			f.assertConsistent(t)

			// 2. repeat deposit is rejected
			if _, err := f.deposit(2*time.Second, A, 50); !errors.Is(err, model.ErrAlreadyDeposited) {
				t.Errorf("scenario 2: got %v, want ErrAlreadyDeposited", err)
			}
			assertUnchanged(t, s1, f.snapshot(t))

			// 3. stranger is rejected
			E, _ := address.Random()
			if _, err := f.svc.Airdrop(ctx, E, 500); err != nil {
				t.Fatal(err)
			}
			if _, err := f.deposit(3*time.Second, E, 75); !errors.Is(err, model.ErrUnauthorizedDepositor) {
				t.Errorf("scenario 3: got %v, want ErrUnauthorizedDepositor", err)
			}
			assertUnchanged(t, s1, f.snapshot(t))
			if bal, _ := f.svc.Balance(ctx, E); bal != 500 {
				t.Errorf("scenario 3: stranger balance %d, want 500", bal)
			}

			// 4. deposit after expiry is rejected
			if _, err := f.deposit(1001*time.Second, B, 30); !errors.Is(err, model.ErrFundingExpired) {
				t.Errorf("scenario 4: got %v, want ErrFundingExpired", err)
			}
			assertUnchanged(t, s1, f.snapshot(t))
			if bal, _ := f.svc.Balance(ctx, B); bal != 1000 {
				t.Errorf("scenario 4: B balance %d, want 1000", bal)
			}
			f.assertConsistent(t)
		})
	}
}

func TestDeposit_fullRound(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, store)

			for i, amount := range []uint64{100, 200, 300, 400} {
				if _, err := f.deposit(time.Duration(i+1)*time.Second, f.parties[i], amount); err != nil {
					t.Fatalf("deposit %d: %v", i, err)
				}
				f.assertConsistent(t)
			}

			view, err := f.svc.GetRound(ctx, f.ledger.Address)
			if err != nil {
				t.Fatal(err)
			}
			if view.Ledger.TotalCollected != 1000 || view.Ledger.DepositorsCount != 4 {
				t.Errorf("totals: %d / %d, want 1000 / 4", view.Ledger.TotalCollected, view.Ledger.DepositorsCount)
			}
			if view.Vault.Balance != 1000 {
				t.Errorf("vault balance: got %d, want 1000", view.Vault.Balance)
			}
			if !view.Complete {
				t.Error("expected round to be complete")
			}
			for i, slot := range view.Slots {
				if slot.Status != model.SlotPaid {
					t.Errorf("slot %d: %s, want paid", i, slot.Status)
				}
			}

			vault, _ := f.svc.VaultBalance(ctx, f.ledger.Address)
			if vault.Address != f.ledger.Vault() || vault.Balance != 1000 {
				t.Errorf("VaultBalance: %+v", vault)
			}
		})
	}
}

func TestCreateRound_reinitializationRejected(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, store)

			_, err := f.svc.CreateRound(ctx, &service.CreateRoundRequest{
				Ledger:            f.ledger.Address,
				Authority:         f.ledger.Authority,
				AllowedDepositors: f.parties,
				ExpiresAt:         T.Add(time.Hour),
			})
			if !errors.Is(err, model.ErrReinitialization) {
				t.Errorf("got %v, want ErrReinitialization", err)
			}

			// An address that already holds a custody balance cannot become a ledger.
			_, err = f.svc.CreateRound(ctx, &service.CreateRoundRequest{
				Ledger:            f.parties[0],
				Authority:         f.ledger.Authority,
				AllowedDepositors: f.parties,
				ExpiresAt:         T.Add(time.Hour),
			})
			if !errors.Is(err, model.ErrReinitialization) {
				t.Errorf("ledger over funded account: got %v, want ErrReinitialization", err)
			}
		})
	}
}

func TestCreateRound_validation(t *testing.T) {
	store := repository.NewMemoryStore()
	svc := service.NewRoundService(store, nil, 4, zap.NewNop())

	parties := make([]address.Address, 4)
	for i := range parties {
		parties[i], _ = address.Random()
	}
	authority, _ := address.Random()
	expiry := time.Now().Add(time.Hour)

	cases := map[string]*service.CreateRoundRequest{
		"missing authority": {AllowedDepositors: parties, ExpiresAt: expiry},
		"too few parties":   {Authority: authority, AllowedDepositors: parties[:3], ExpiresAt: expiry},
		"too many parties":  {Authority: authority, AllowedDepositors: append(append([]address.Address{}, parties...), authority), ExpiresAt: expiry},
		"duplicate party":   {Authority: authority, AllowedDepositors: []address.Address{parties[0], parties[1], parties[2], parties[0]}, ExpiresAt: expiry},
		"zero party":        {Authority: authority, AllowedDepositors: []address.Address{parties[0], parties[1], parties[2], address.Zero}, ExpiresAt: expiry},
		"missing expiry":    {Authority: authority, AllowedDepositors: parties},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.CreateRound(ctx, req)
			var valErr *model.ErrValidation
			if !errors.As(err, &valErr) {
				t.Errorf("got %v, want *ErrValidation", err)
			}
		})
	}

	rounds, _ := svc.ListRounds(ctx, 10, 0)
	if len(rounds) != 0 {
		t.Errorf("validation failures created %d rounds", len(rounds))
	}
}

func TestCreateRound_pastExpiryAccepted(t *testing.T) {
	svc := service.NewRoundService(repository.NewMemoryStore(), nil, 4, zap.NewNop())
	parties := make([]address.Address, 4)
	for i := range parties {
		parties[i], _ = address.Random()
	}
	authority, _ := address.Random()

	l, err := svc.CreateRound(ctx, &service.CreateRoundRequest{
		Authority:         authority,
		AllowedDepositors: parties,
		ExpiresAt:         time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateRound with past expiry: %v", err)
	}
	_, err = svc.Deposit(ctx, &service.DepositRequest{Ledger: l.Address, Depositor: parties[0], Amount: 1})
	if !errors.Is(err, model.ErrFundingExpired) {
		t.Errorf("deposit into expired round: got %v, want ErrFundingExpired", err)
	}
}

func TestCreateRound_skipsOccupiedVaultBump(t *testing.T) {
	store := repository.NewMemoryStore()
	svc := service.NewRoundService(store, nil, 4, zap.NewNop())

	ledgerAddr, _ := address.Random()
	canonical := address.Derive(address.VaultLabel, ledgerAddr, 255)
	if _, err := store.Credit(ctx, canonical, 1); err != nil {
		t.Fatal(err)
	}

	parties := make([]address.Address, 4)
	for i := range parties {
		parties[i], _ = address.Random()
	}
	authority, _ := address.Random()
	l, err := svc.CreateRound(ctx, &service.CreateRoundRequest{
		Ledger:            ledgerAddr,
		Authority:         authority,
		AllowedDepositors: parties,
		ExpiresAt:         time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if l.VaultBump != 254 {
		t.Errorf("vault bump: got %d, want 254", l.VaultBump)
	}
	if l.Vault() != address.Derive(address.VaultLabel, ledgerAddr, 254) {
		t.Error("vault does not match the persisted bump")
	}
}

func TestDeposit_failuresLeaveStateUnchanged(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, store)
			A, B := f.parties[0], f.parties[1]
			if _, err := f.deposit(time.Second, A, 100); err != nil {
				t.Fatal(err)
			}
			before := f.snapshot(t)

			missing, _ := address.Random()
			cases := []struct {
				name string
				run  func() error
				want error
			}{
				{"zero amount", func() error { _, err := f.deposit(2*time.Second, B, 0); return err }, model.ErrZeroAmount},
				{"insufficient funds", func() error { _, err := f.deposit(2*time.Second, B, 1001); return err }, model.ErrInsufficientFunds},
				{"exactly at expiry", func() error { _, err := f.deposit(1000*time.Second, B, 10); return err }, model.ErrFundingExpired},
				{"unknown ledger", func() error {
					_, err := f.svc.Deposit(ctx, &service.DepositRequest{Ledger: missing, Depositor: B, Amount: 10})
					return err
				}, model.ErrNotFound},
			}
			for _, tc := range cases {
				if err := tc.run(); !errors.Is(err, tc.want) {
					t.Errorf("%s: got %v, want %v", tc.name, err, tc.want)
				}
				assertUnchanged(t, before, f.snapshot(t))
			}
			if bal, _ := f.svc.Balance(ctx, B); bal != 1000 {
				t.Errorf("B balance: got %d, want 1000", bal)
			}
			f.assertConsistent(t)
		})
	}
}

func TestDeposit_expiryCheckedBeforeWhitelist(t *testing.T) {
	f := newFixture(t, repository.NewMemoryStore())
	stranger, _ := address.Random()
	if _, err := f.deposit(2000*time.Second, stranger, 10); !errors.Is(err, model.ErrFundingExpired) {
		t.Errorf("got %v, want ErrFundingExpired", err)
	}
}

func TestDeposit_concurrentSameDepositor(t *testing.T) {
	f := newFixture(t, repository.NewMemoryStore())
	A := f.parties[0]
	f.clock.Set(T.Add(time.Second))

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Deposit(ctx, &service.DepositRequest{Ledger: f.ledger.Address, Depositor: A, Amount: 10})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("expected exactly one successful deposit, got %d", successes)
	}
	f.assertConsistent(t)
}

func TestAirdrop(t *testing.T) {
	f := newFixture(t, repository.NewMemoryStore())

	if _, err := f.svc.Airdrop(ctx, f.ledger.Address, 10); !errors.Is(err, model.ErrReservedAddress) {
		t.Errorf("airdrop to ledger: got %v, want ErrReservedAddress", err)
	}
	if _, err := f.svc.Airdrop(ctx, f.ledger.Vault(), 10); !errors.Is(err, model.ErrReservedAddress) {
		t.Errorf("airdrop to vault: got %v, want ErrReservedAddress", err)
	}
	if _, err := f.svc.Airdrop(ctx, address.Zero, 10); !isValidation(err) {
		t.Errorf("airdrop to zero address: got %v, want *ErrValidation", err)
	}
	if _, err := f.svc.Airdrop(ctx, f.parties[0], 0); !errors.Is(err, model.ErrZeroAmount) {
		t.Errorf("zero airdrop: got %v, want ErrZeroAmount", err)
	}

	bal, err := f.svc.Airdrop(ctx, f.parties[0], 250)
	if err != nil {
		t.Fatal(err)
	}
	if bal != 1250 {
		t.Errorf("balance after airdrop: got %d, want 1250", bal)
	}
	f.assertConsistent(t)
}

// roundBeforeCredit creates a round immediately before delegating Credit, so
// the credited address becomes a vault between the caller's checks and the
// write.
type roundBeforeCredit struct {
	repository.Store
	ledger *model.Ledger
}

func (s *roundBeforeCredit) Credit(ctx context.Context, addr address.Address, amount uint64) (uint64, error) {
	if s.ledger != nil {
		if err := s.Store.CreateRound(ctx, s.ledger); err != nil {
			return 0, err
		}
		s.ledger = nil
	}
	return s.Store.Credit(ctx, addr, amount)
}

func TestAirdrop_vaultCreatedConcurrently(t *testing.T) {
	parties := make([]address.Address, 4)
	for i := range parties {
		parties[i], _ = address.Random()
	}
	ledgerAddr, _ := address.Random()
	authority, _ := address.Random()
	l := model.NewLedger(ledgerAddr, authority, parties, T.Add(time.Hour), 255)

	store := &roundBeforeCredit{Store: repository.NewMemoryStore(), ledger: l}
	svc := service.NewRoundService(store, journal.New(), 4, zap.NewNop())

	if _, err := svc.Airdrop(ctx, l.Vault(), 777); !errors.Is(err, model.ErrReservedAddress) {
		t.Fatalf("airdrop to freshly created vault: got %v, want ErrReservedAddress", err)
	}
	report, err := svc.Audit(ctx, l.Address)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Problems) != 0 || report.VaultBalance != 0 {
		t.Errorf("vault credited outside a deposit: %+v", report)
	}
}

func TestJournal_recordsEvents(t *testing.T) {
	f := newFixture(t, repository.NewMemoryStore())
	if _, err := f.deposit(time.Second, f.parties[0], 100); err != nil {
		t.Fatal(err)
	}
	_, _ = f.deposit(2*time.Second, f.parties[0], 100) // rejected, not journaled

	// genesis + 4 airdrops + create + deposit
	n, _ := f.journal.Len(ctx)
	if n != 7 {
		t.Errorf("journal length: got %d, want 7", n)
	}
	last, _ := f.journal.Get(ctx, n-1)
	if last.Action != journal.ActionDeposit || last.Ledger != f.ledger.Address.String() || last.Actor != f.parties[0].String() {
		t.Errorf("unexpected last entry: %+v", last)
	}
	if err := f.journal.Verify(ctx); err != nil {
		t.Errorf("journal chain invalid: %v", err)
	}
}

type countingMetrics struct {
	mu      sync.Mutex
	created int
	results map[string]int
	journal int
}

func (m *countingMetrics) RoundCreated() {
	m.mu.Lock()
	m.created++
	m.mu.Unlock()
}

func (m *countingMetrics) DepositResult(code string, _ uint64) {
	m.mu.Lock()
	m.results[code]++
	m.mu.Unlock()
}

func (m *countingMetrics) JournalAppended() {
	m.mu.Lock()
	m.journal++
	m.mu.Unlock()
}

func TestMetrics_reported(t *testing.T) {
	m := &countingMetrics{results: map[string]int{}}
	svc := service.NewRoundService(repository.NewMemoryStore(), journal.New(), 5, zap.NewNop())
	svc.SetMetrics(m)

	parties := make([]address.Address, svc.Slots())
	for i := range parties {
		parties[i], _ = address.Random()
	}
	authority, _ := address.Random()
	l, err := svc.CreateRound(ctx, &service.CreateRoundRequest{
		Authority: authority, AllowedDepositors: parties, ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	_, _ = svc.Airdrop(ctx, parties[0], 10)
	_, _ = svc.Deposit(ctx, &service.DepositRequest{Ledger: l.Address, Depositor: parties[0], Amount: 10})
	_, _ = svc.Deposit(ctx, &service.DepositRequest{Ledger: l.Address, Depositor: parties[0], Amount: 10})

	if m.created != 1 {
		t.Errorf("rounds created: got %d, want 1", m.created)
	}
	if m.results["ok"] != 1 || m.results["AlreadyDeposited"] != 1 {
		t.Errorf("deposit results: %v", m.results)
	}
	if m.journal != 3 {
		t.Errorf("journal appends: got %d, want 3", m.journal)
	}
}

func TestNewRoundService_slotsFallback(t *testing.T) {
	for _, n := range []int{0, 3, 6} {
		svc := service.NewRoundService(repository.NewMemoryStore(), nil, n, zap.NewNop())
		if svc.Slots() != model.DefaultSlots {
			t.Errorf("slots %d: got %d, want %d", n, svc.Slots(), model.DefaultSlots)
		}
	}
}

func isValidation(err error) bool {
	var valErr *model.ErrValidation
	return errors.As(err, &valErr)
}

type recordedEvent struct {
	eventType string
	ledger    string
	payload   map[string]string
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (n *recordingNotifier) Dispatch(_ context.Context, eventType, ledger string, payload map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedEvent{eventType, ledger, payload})
}

func TestNotifier_depositAndCompletion(t *testing.T) {
	f := newFixture(t, repository.NewMemoryStore())
	n := &recordingNotifier{}
	f.svc.SetNotifier(n)

	if _, err := f.deposit(0, f.parties[0], 10); err != nil {
		t.Fatal(err)
	}
	if _, err := f.deposit(0, f.parties[0], 10); err == nil {
		t.Fatal("repeat deposit accepted")
	}
	for i := 1; i < 4; i++ {
		r, err := f.deposit(0, f.parties[i], 10)
		if err != nil {
			t.Fatal(err)
		}
		if r.Complete != (i == 3) {
			t.Errorf("deposit %d: Complete = %v", i, r.Complete)
		}
	}

	var types []string
	for _, e := range n.events {
		types = append(types, e.eventType)
		if e.ledger != f.ledger.Address.String() {
			t.Errorf("%s: ledger %q", e.eventType, e.ledger)
		}
	}
	want := []string{
		webhooks.EventDepositAccepted, webhooks.EventDepositAccepted,
		webhooks.EventDepositAccepted, webhooks.EventDepositAccepted,
		webhooks.EventRoundCompleted,
	}
	if !reflect.DeepEqual(types, want) {
		t.Errorf("events: got %v, want %v", types, want)
	}
	if got := n.events[4].payload["total_collected"]; got != "40" {
		t.Errorf("completion total: got %q, want 40", got)
	}
}
