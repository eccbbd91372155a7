// Package service holds the funding round business logic: round creation, the
// deposit state machine and the custody queries built on top of a
// repository.Store.
package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jmerrifield20/fundround/internal/funding/model"
	"github.com/jmerrifield20/fundround/internal/funding/repository"
	"github.com/jmerrifield20/fundround/internal/journal"
	"github.com/jmerrifield20/fundround/internal/webhooks"
	"github.com/jmerrifield20/fundround/pkg/address"
	"go.uber.org/zap"
)

// Metrics receives round outcomes. *handler.PromMetrics satisfies this interface.
type Metrics interface {
	RoundCreated()
	DepositResult(code string, amount uint64)
	JournalAppended()
}

// Notifier receives committed round events. *webhooks.Dispatcher satisfies
// this interface.
type Notifier interface {
	Dispatch(ctx context.Context, eventType, ledger string, payload map[string]string)
}

// CreateRoundRequest describes a new round.
type CreateRoundRequest struct {
	// Ledger is the address to create the ledger at. A fresh address is
	// generated when it is the zero address.
	Ledger            address.Address
	Authority         address.Address
	AllowedDepositors []address.Address
	ExpiresAt         time.Time
}

// DepositRequest is a single contribution by an authenticated depositor.
type DepositRequest struct {
	Ledger    address.Address
	Depositor address.Address
	Amount    uint64
}

// DepositReceipt is returned after a deposit commits.
type DepositReceipt struct {
	Ledger          address.Address `json:"ledger"`
	Vault           address.Address `json:"vault"`
	Depositor       address.Address `json:"depositor"`
	Slot            int             `json:"slot"`
	Amount          uint64          `json:"amount"`
	TotalCollected  uint64          `json:"total_collected"`
	DepositorsCount uint8           `json:"depositors_count"`
	Complete        bool            `json:"complete"`
}

// SlotView is the per-participant state of a round.
type SlotView struct {
	Depositor address.Address  `json:"depositor"`
	Amount    uint64           `json:"amount"`
	Status    model.SlotStatus `json:"status"`
}

// RoundView is the read model of a round served to clients.
type RoundView struct {
	Ledger   *model.Ledger `json:"ledger"`
	Vault    *model.Vault  `json:"vault"`
	Slots    []SlotView    `json:"slots"`
	Expired  bool          `json:"expired"`
	Complete bool          `json:"complete"`
}

// AuditReport is the result of checking a round's accounting.
type AuditReport struct {
	Ledger         address.Address `json:"ledger"`
	TotalCollected uint64          `json:"total_collected"`
	VaultBalance   uint64          `json:"vault_balance"`
	Consistent     bool            `json:"consistent"`
	Problems       []string        `json:"problems,omitempty"`
}

// RoundService contains the business logic for funding rounds.
type RoundService struct {
	store   repository.Store
	journal journal.Journal // nil = no journal writes
	metrics Metrics         // nil = no metrics
	notify  Notifier        // nil = no webhooks
	slots   int
	now     func() time.Time
	logger  *zap.Logger
}

// NewRoundService creates a RoundService for rounds of exactly slots
// participants. slots outside [model.MinSlots, model.MaxSlots] falls back to
// model.DefaultSlots.
func NewRoundService(store repository.Store, j journal.Journal, slots int, logger *zap.Logger) *RoundService {
	if slots < model.MinSlots || slots > model.MaxSlots {
		slots = model.DefaultSlots
	}
	return &RoundService{
		store:   store,
		journal: j,
		slots:   slots,
		now:     time.Now,
		logger:  logger,
	}
}

// SetClock replaces the time source used for the deadline check.
func (s *RoundService) SetClock(now func() time.Time) {
	s.now = now
}

// SetMetrics attaches a metrics sink.
func (s *RoundService) SetMetrics(m Metrics) {
	s.metrics = m
}

// SetNotifier attaches a sink for round events.
func (s *RoundService) SetNotifier(n Notifier) {
	s.notify = n
}

// Slots returns the configured whitelist size.
func (s *RoundService) Slots() int { return s.slots }

func (s *RoundService) dispatch(ctx context.Context, eventType string, ledger address.Address, payload map[string]string) {
	if s.notify == nil {
		return
	}
	s.notify.Dispatch(ctx, eventType, ledger.String(), payload)
}

// appendJournal records an event in a non-fatal manner. The state change it
// describes has already committed.
func (s *RoundService) appendJournal(ctx context.Context, ledger address.Address, action string, actor address.Address, payload any) {
	if s.journal == nil {
		return
	}
	ledgerStr := ""
	if !ledger.IsZero() {
		ledgerStr = ledger.String()
	}
	actorStr := journal.SystemActor
	if !actor.IsZero() {
		actorStr = actor.String()
	}
	if _, err := s.journal.Append(ctx, ledgerStr, action, actorStr, payload); err != nil {
		s.logger.Error("journal append failed (non-fatal)",
			zap.String("action", action),
			zap.String("ledger", ledgerStr),
			zap.Error(err),
		)
		return
	}
	if s.metrics != nil {
		s.metrics.JournalAppended()
	}
}

func (s *RoundService) validateCreate(req *CreateRoundRequest) error {
	if req.Authority.IsZero() {
		return &model.ErrValidation{Msg: "authority is required"}
	}
	if len(req.AllowedDepositors) != s.slots {
		return &model.ErrValidation{Msg: fmt.Sprintf("exactly %d allowed depositors are required, got %d", s.slots, len(req.AllowedDepositors))}
	}
	seen := make(map[address.Address]struct{}, len(req.AllowedDepositors))
	for i, a := range req.AllowedDepositors {
		if a.IsZero() {
			return &model.ErrValidation{Msg: fmt.Sprintf("allowed depositor %d is the zero address", i)}
		}
		if _, dup := seen[a]; dup {
			return &model.ErrValidation{Msg: fmt.Sprintf("allowed depositor %s is listed more than once", a)}
		}
		seen[a] = struct{}{}
	}
	if req.ExpiresAt.IsZero() {
		return &model.ErrValidation{Msg: "expires_at is required"}
	}
	return nil
}

// CreateRound initialises a ledger and its vault. It fails with
// model.ErrReinitialization when the ledger address already holds a record.
func (s *RoundService) CreateRound(ctx context.Context, req *CreateRoundRequest) (*model.Ledger, error) {
	if err := s.validateCreate(req); err != nil {
		return nil, err
	}

	ledgerAddr := req.Ledger
	if ledgerAddr.IsZero() {
		a, err := address.Random()
		if err != nil {
			return nil, fmt.Errorf("generate ledger address: %w", err)
		}
		ledgerAddr = a
	}

	taken, err := s.store.Exists(ctx, ledgerAddr)
	if err != nil {
		return nil, fmt.Errorf("check ledger address: %w", err)
	}
	if taken {
		return nil, model.ErrReinitialization
	}

	var lookupErr error
	_, bump, err := address.FindDerived(address.VaultLabel, ledgerAddr, func(candidate address.Address) bool {
		used, err := s.store.Exists(ctx, candidate)
		if err != nil {
			lookupErr = err
			return false
		}
		return used
	})
	if lookupErr != nil {
		return nil, fmt.Errorf("check vault address: %w", lookupErr)
	}
	if err != nil {
		return nil, fmt.Errorf("derive vault: %w", err)
	}

	now := s.now()
	if !req.ExpiresAt.After(now) {
		s.logger.Warn("round created with an expiry that has already passed",
			zap.String("ledger", ledgerAddr.String()),
			zap.Time("expires_at", req.ExpiresAt),
		)
	}

	l := model.NewLedger(ledgerAddr, req.Authority, req.AllowedDepositors, req.ExpiresAt, bump)
	if err := s.store.CreateRound(ctx, l); err != nil {
		return nil, err
	}

	s.logger.Info("round created",
		zap.String("ledger", l.Address.String()),
		zap.String("vault", l.Vault().String()),
		zap.String("authority", l.Authority.String()),
		zap.Int("slots", len(l.AllowedDepositors)),
		zap.Time("expires_at", l.ExpiresAt),
	)
	if s.metrics != nil {
		s.metrics.RoundCreated()
	}

	depositors := make([]string, len(l.AllowedDepositors))
	for i, a := range l.AllowedDepositors {
		depositors[i] = a.String()
	}
	s.appendJournal(ctx, l.Address, journal.ActionCreate, l.Authority, map[string]any{
		"vault":              l.Vault().String(),
		"vault_bump":         l.VaultBump,
		"allowed_depositors": depositors,
		"expires_at":         l.ExpiresAt.Unix(),
	})
	s.dispatch(ctx, webhooks.EventRoundCreated, l.Address, map[string]string{
		"authority":  l.Authority.String(),
		"vault":      l.Vault().String(),
		"expires_at": l.ExpiresAt.UTC().Format(time.RFC3339),
	})
	return l, nil
}

// Deposit runs the deposit state machine for one contribution. Checks run in
// order: deadline, whitelist, single deposit. The transfer into the vault and
// the ledger update commit together or not at all.
func (s *RoundService) Deposit(ctx context.Context, req *DepositRequest) (*DepositReceipt, error) {
	receipt, err := s.deposit(ctx, req)

	if s.metrics != nil {
		code := "ok"
		if err != nil {
			code = model.Code(err)
		}
		s.metrics.DepositResult(code, req.Amount)
	}
	if err != nil {
		s.logger.Info("deposit rejected",
			zap.String("ledger", req.Ledger.String()),
			zap.String("depositor", req.Depositor.String()),
			zap.Uint64("amount", req.Amount),
			zap.String("code", model.Code(err)),
		)
		return nil, err
	}

	s.logger.Info("deposit recorded",
		zap.String("ledger", receipt.Ledger.String()),
		zap.String("depositor", receipt.Depositor.String()),
		zap.Int("slot", receipt.Slot),
		zap.Uint64("amount", receipt.Amount),
		zap.Uint64("total_collected", receipt.TotalCollected),
	)
	s.appendJournal(ctx, receipt.Ledger, journal.ActionDeposit, receipt.Depositor, map[string]any{
		"slot":   receipt.Slot,
		"amount": receipt.Amount,
	})

	s.dispatch(ctx, webhooks.EventDepositAccepted, receipt.Ledger, map[string]string{
		"depositor":       receipt.Depositor.String(),
		"slot":            strconv.Itoa(receipt.Slot),
		"amount":          strconv.FormatUint(receipt.Amount, 10),
		"total_collected": strconv.FormatUint(receipt.TotalCollected, 10),
	})
	if receipt.Complete {
		s.dispatch(ctx, webhooks.EventRoundCompleted, receipt.Ledger, map[string]string{
			"vault":           receipt.Vault.String(),
			"total_collected": strconv.FormatUint(receipt.TotalCollected, 10),
		})
	}
	return receipt, nil
}

func (s *RoundService) deposit(ctx context.Context, req *DepositRequest) (*DepositReceipt, error) {
	if req.Amount == 0 {
		return nil, model.ErrZeroAmount
	}

	var receipt *DepositReceipt
	err := s.store.Update(ctx, req.Ledger, func(tx repository.Tx) error {
		l := tx.Ledger()

		if l.Expired(s.now()) {
			return model.ErrFundingExpired
		}
		i, ok := l.Slot(req.Depositor)
		if !ok {
			return model.ErrUnauthorizedDepositor
		}
		if l.Deposits[i] != 0 {
			return model.ErrAlreadyDeposited
		}

		vault := l.Vault()
		if err := tx.Transfer(ctx, req.Depositor, vault, req.Amount); err != nil {
			return err
		}
		l.Record(i, req.Amount)

		receipt = &DepositReceipt{
			Ledger:          l.Address,
			Vault:           vault,
			Depositor:       req.Depositor,
			Slot:            i,
			Amount:          req.Amount,
			TotalCollected:  l.TotalCollected,
			DepositorsCount: l.DepositorsCount,
			Complete:        int(l.DepositorsCount) == len(l.AllowedDepositors),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// GetRound returns the ledger, its vault and the per-slot view.
func (s *RoundService) GetRound(ctx context.Context, ledgerAddr address.Address) (*RoundView, error) {
	l, err := s.store.GetLedger(ctx, ledgerAddr)
	if err != nil {
		return nil, err
	}
	v, err := s.store.GetVault(ctx, ledgerAddr)
	if err != nil {
		return nil, err
	}
	return s.view(l, v), nil
}

func (s *RoundService) view(l *model.Ledger, v *model.Vault) *RoundView {
	slots := make([]SlotView, len(l.AllowedDepositors))
	for i, a := range l.AllowedDepositors {
		slots[i] = SlotView{Depositor: a, Amount: l.Deposits[i], Status: l.Status(i)}
	}
	return &RoundView{
		Ledger:   l,
		Vault:    v,
		Slots:    slots,
		Expired:  l.Expired(s.now()),
		Complete: int(l.DepositorsCount) == len(l.AllowedDepositors),
	}
}

// ListRounds returns ledgers newest first.
func (s *RoundService) ListRounds(ctx context.Context, limit, offset int) ([]*model.Ledger, error) {
	return s.store.ListLedgers(ctx, limit, offset)
}

// VaultBalance returns the vault bound to ledgerAddr with its current balance.
func (s *RoundService) VaultBalance(ctx context.Context, ledgerAddr address.Address) (*model.Vault, error) {
	return s.store.GetVault(ctx, ledgerAddr)
}

// Balance returns the custody balance held at addr.
func (s *RoundService) Balance(ctx context.Context, addr address.Address) (uint64, error) {
	return s.store.Balance(ctx, addr)
}

// Airdrop credits amount to a participant's custody account. Ledgers and
// vaults cannot be credited: a vault only receives value through Deposit.
func (s *RoundService) Airdrop(ctx context.Context, addr address.Address, amount uint64) (uint64, error) {
	if addr.IsZero() {
		return 0, &model.ErrValidation{Msg: "address is required"}
	}
	if amount == 0 {
		return 0, model.ErrZeroAmount
	}

	bal, err := s.store.Credit(ctx, addr, amount)
	if err != nil {
		return 0, err
	}

	s.logger.Info("airdrop credited",
		zap.String("address", addr.String()),
		zap.Uint64("amount", amount),
		zap.Uint64("balance", bal),
	)
	s.appendJournal(ctx, address.Zero, journal.ActionAirdrop, address.Zero, map[string]any{
		"address": addr.String(),
		"amount":  amount,
	})
	return bal, nil
}

// Audit checks the accounting invariants of a round and that the vault holds
// exactly what the ledger says was collected.
func (s *RoundService) Audit(ctx context.Context, ledgerAddr address.Address) (*AuditReport, error) {
	l, err := s.store.GetLedger(ctx, ledgerAddr)
	if err != nil {
		return nil, err
	}
	v, err := s.store.GetVault(ctx, ledgerAddr)
	if err != nil {
		return nil, err
	}

	report := &AuditReport{
		Ledger:         ledgerAddr,
		TotalCollected: l.TotalCollected,
		VaultBalance:   v.Balance,
	}
	if err := l.CheckInvariants(); err != nil {
		report.Problems = append(report.Problems, err.Error())
	}
	if v.Address != l.Vault() {
		report.Problems = append(report.Problems, fmt.Sprintf("vault %s is not derived from ledger with bump %d", v.Address, l.VaultBump))
	}
	if v.Balance != l.TotalCollected {
		report.Problems = append(report.Problems, fmt.Sprintf("vault balance %d does not match total_collected %d", v.Balance, l.TotalCollected))
	}
	report.Consistent = len(report.Problems) == 0

	if !report.Consistent {
		s.logger.Warn("round audit failed",
			zap.String("ledger", ledgerAddr.String()),
			zap.Strings("problems", report.Problems),
		)
	}
	return report, nil
}
