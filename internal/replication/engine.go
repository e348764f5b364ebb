// Package replication fans a master's trades out to its members: it sizes
// every copy, prices it with a small differential, executes the copies in
// batches through the venue executor and records the outcome.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"copytrade-engine/internal/events"
	"copytrade-engine/internal/lock"
	"copytrade-engine/internal/subscription"
	"copytrade-engine/internal/venue"
	"copytrade-engine/pkg/config"
	"copytrade-engine/pkg/models"
	"copytrade-engine/pkg/storage"

	"github.com/sirupsen/logrus"
)

var (
	ErrTransactionNotFound = errors.New("master transaction not found")
	ErrOriginTimeout       = errors.New("origin order timeout")
	ErrOriginFailed        = errors.New("origin order failed")
	ErrOriginCanceled      = errors.New("origin order canceled")
	ErrNotWatched          = errors.New("master wallet is not watched")
	ErrQueueFull           = errors.New("replication queue is full")
	ErrInvalidStatus       = errors.New("invalid transaction status")
	ErrInvalidTrade        = errors.New("invalid detected trade")

	errPaused = errors.New("transaction paused")
	errHalted = errors.New("transaction no longer running")
)

const replicationLockTTL = 5 * time.Minute

// Locker runs fn while holding a keyed lock
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// SwapExecutor executes one swap with venue failover
type SwapExecutor interface {
	Execute(ctx context.Context, token string, req venue.SwapRequest) (*venue.Execution, error)
}

// Deps are the collaborators of the engine
type Deps struct {
	Store   storage.Store
	Locks   Locker
	Venues  SwapExecutor
	Events  events.Publisher
	Fees    FeeCollector
	Watched subscription.Registry
	Rand    *Randomizer
}

// Engine replicates master transactions. It is the only writer of master
// transaction and replica detail status.
type Engine struct {
	store   storage.Store
	locks   Locker
	venues  SwapExecutor
	events  events.Publisher
	fees    FeeCollector
	watched subscription.Registry

	cfg        config.ReplicationConfig
	quoteAsset string
	sizer      Sizer
	diff       *Differential
	rand       *Randomizer

	queue chan string
	// inflight holds ids from Enqueue until their run returns. The value
	// is set when another run was asked for in the meantime.
	inflightMu sync.Mutex
	inflight   map[string]bool
	// active holds ids whose fan-out runs in this process
	active sync.Map
	log    *logrus.Entry
}

// NewEngine creates an engine
func NewEngine(cfg config.ReplicationConfig, quoteAsset string, deps Deps) *Engine {
	if deps.Rand == nil {
		deps.Rand = NewRandomizer(time.Now().UnixNano())
	}
	if deps.Events == nil {
		deps.Events = events.Discard{}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.OriginPollInterval <= 0 {
		cfg.OriginPollInterval = time.Second
	}
	if cfg.OriginTimeout <= 0 {
		cfg.OriginTimeout = 30 * time.Second
	}

	return &Engine{
		store:      deps.Store,
		locks:      deps.Locks,
		venues:     deps.Venues,
		events:     deps.Events,
		fees:       deps.Fees,
		watched:    deps.Watched,
		cfg:        cfg,
		quoteAsset: quoteAsset,
		sizer: Sizer{
			MinViable: models.DecimalFromString(cfg.MinViableAmount),
			VenueFee:  models.DecimalFromString(cfg.EstimatedVenueFee),
			Reserved:  models.DecimalFromString(cfg.ReservedBalance),
		},
		diff:     NewDifferential(cfg.MarkupMin, cfg.MarkupMax, cfg.JitterFraction, deps.Rand),
		rand:     deps.Rand,
		queue:    make(chan string, cfg.QueueSize),
		inflight: make(map[string]bool),
		log:      logrus.WithField("component", "replication"),
	}
}

// Replicate runs or resumes the fan-out of one master transaction. Only
// details still in wait are executed, so calling it again after a pause
// continues where the previous run stopped. A second call for a
// transaction that is already replicating in this process returns at once.
func (e *Engine) Replicate(ctx context.Context, txID string) error {
	if _, running := e.active.LoadOrStore(txID, struct{}{}); running {
		e.log.WithField("tx_id", txID).Debug("Fan-out already running")
		return nil
	}
	defer e.active.Delete(txID)

	tx, err := e.store.GetMasterTransaction(ctx, txID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrTransactionNotFound
		}
		return err
	}
	if tx.Status != models.TxStatusRunning {
		e.log.WithFields(logrus.Fields{"tx_id": tx.ID, "status": tx.Status}).Debug("Skipping transaction that is not running")
		return nil
	}

	if tx.OrderKind == models.OrderKindLimit && tx.LinkedOriginOrderID != "" {
		if err := e.waitForOrigin(ctx, tx.LinkedOriginOrderID); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			e.fail(ctx, tx.ID, err)
			return err
		}
	}

	err = e.locks.WithLock(ctx, "replication:"+tx.ID, replicationLockTTL, func(ctx context.Context) error {
		return e.fanOut(ctx, tx.ID)
	})
	if errors.Is(err, lock.ErrLockNotAcquired) {
		if e.replicatingElsewhere(ctx, tx.ID) {
			e.log.WithField("tx_id", tx.ID).Info("Fan-out held by another worker")
			return err
		}
		e.fail(ctx, tx.ID, err)
	}
	return err
}

// replicatingElsewhere reports whether the transaction is still running
// with its details already built, which means another process holds the
// fan-out. A stale lock of a dead process expires and the sweep retries.
func (e *Engine) replicatingElsewhere(ctx context.Context, txID string) bool {
	tx, err := e.store.GetMasterTransaction(ctx, txID)
	if err != nil {
		return false
	}
	return tx.Status == models.TxStatusRunning && len(tx.MemberIDList) > 0
}

type runStats struct {
	success int32
	failed  int32
	skipped int
}

func (e *Engine) fanOut(ctx context.Context, txID string) error {
	tx, err := e.store.GetMasterTransaction(ctx, txID)
	if err != nil {
		return e.fail(ctx, txID, fmt.Errorf("failed to reload transaction: %w", err))
	}
	if tx.Status != models.TxStatusRunning {
		return nil
	}

	master, err := e.store.GetAccount(ctx, tx.MasterID)
	if err != nil {
		return e.fail(ctx, tx.ID, fmt.Errorf("failed to load master %d: %w", tx.MasterID, err))
	}

	details, err := e.store.ListReplicaDetails(ctx, tx.ID)
	if err != nil {
		return e.fail(ctx, tx.ID, fmt.Errorf("failed to load replica details: %w", err))
	}

	stats := &runStats{skipped: tx.SkippedCount}
	if len(details) == 0 && len(tx.MemberIDList) == 0 {
		details, stats.skipped, err = e.buildDetails(ctx, tx, master)
		if err != nil {
			return e.fail(ctx, tx.ID, err)
		}
	}

	// outcomes of an earlier run count towards the final tally
	pending := make([]models.ReplicaDetail, 0, len(details))
	for _, d := range details {
		switch d.Status {
		case models.DetailWait:
			pending = append(pending, d)
		case models.DetailSuccess:
			stats.success++
		case models.DetailError:
			stats.failed++
		}
	}

	var (
		fatalMu sync.Mutex
		fatal   error
	)
	setFatal := func(err error) {
		fatalMu.Lock()
		defer fatalMu.Unlock()
		if fatal == nil {
			fatal = err
		}
	}
	check := func(ctx context.Context) error {
		fatalMu.Lock()
		err := fatal
		fatalMu.Unlock()
		if err != nil {
			return err
		}
		return e.checkRunning(ctx, tx.ID)
	}

	batches := BatchExecutor{
		Size:     e.batchSize(master),
		MinDelay: e.cfg.BatchDelayMin,
		MaxDelay: e.cfg.BatchDelayMax,
		Rand:     e.rand,
	}
	err = batches.Run(ctx, len(pending), check, func(ctx context.Context, i int) {
		ok, err := e.execute(ctx, tx, &pending[i])
		if err != nil {
			setFatal(err)
			return
		}
		if ok {
			atomic.AddInt32(&stats.success, 1)
		} else {
			atomic.AddInt32(&stats.failed, 1)
		}
	})

	switch {
	case errors.Is(err, errPaused), errors.Is(err, errHalted):
		e.log.WithField("tx_id", tx.ID).Info("Replication halted before completion")
		return nil
	case fatal != nil:
		return e.fail(ctx, tx.ID, fatal)
	case err != nil:
		return err
	}

	msg := fmt.Sprintf("%d succeeded, %d failed, %d skipped", stats.success, stats.failed, stats.skipped)
	moved, err := e.store.TransitionMasterTransaction(ctx, tx.ID, []models.TransactionStatus{models.TxStatusRunning}, models.TxStatusStop, msg)
	if err != nil {
		return e.fail(ctx, tx.ID, fmt.Errorf("failed to finish transaction: %w", err))
	}
	if !moved {
		return nil
	}

	e.log.WithFields(logrus.Fields{
		"tx_id":   tx.ID,
		"success": stats.success,
		"failed":  stats.failed,
		"skipped": stats.skipped,
	}).Info("Replication completed")
	e.events.Publish(ctx, events.TopicReplicationCompleted, events.ReplicationCompleted{
		TransactionID: tx.ID,
		Status:        string(models.TxStatusStop),
		Success:       int(stats.success),
		Errors:        int(stats.failed),
		Skipped:       stats.skipped,
		Message:       msg,
	})
	return nil
}

// buildDetails sizes every eligible member and persists one wait detail per
// member that takes part
func (e *Engine) buildDetails(ctx context.Context, tx *models.MasterTransaction, master *models.Account) ([]models.ReplicaDetail, int, error) {
	assignments, err := e.store.ListEligibleMembers(ctx, tx.MasterID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to resolve members: %w", err)
	}

	spent := tx.QuoteAsset
	if tx.TradeType == models.SideSell {
		spent = tx.TokenAddress
	}

	var (
		details []models.ReplicaDetail
		skipped int
		now     = time.Now().UTC()
	)
	for _, a := range assignments {
		balance, err := e.store.GetBalance(ctx, a.Member.ID, spent)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to load balance of member %d: %w", a.Member.ID, err)
		}

		decision := e.sizer.Size(master, a, SizingInput{
			Side:          tx.TradeType,
			MasterAmount:  tx.Amount,
			MasterBalance: tx.MasterBalance,
			MemberBalance: balance,
			Price:         tx.Price,
		})
		if decision.Skip {
			skipped++
			e.log.WithFields(logrus.Fields{
				"tx_id":     tx.ID,
				"member_id": a.Member.ID,
				"reason":    decision.Reason,
			}).Info("Member skipped")
			continue
		}

		adj := e.diff.Apply(tx.TradeType, tx.Price, tx.PriorityFee, tx.Slippage)
		total := decision.Amount
		if tx.TradeType == models.SideSell {
			total = decision.Amount.Mul(adj.Price)
		}

		details = append(details, models.ReplicaDetail{
			TransactionID: tx.ID,
			MemberID:      a.Member.ID,
			GroupID:       a.Group.ID,
			MasterWallet:  master.WalletAddress,
			MemberWallet:  a.Member.WalletAddress,
			Type:          tx.TradeType,
			Token:         tx.TokenAddress,
			QuoteAsset:    tx.QuoteAsset,
			Amount:        decision.Amount,
			Price:         adj.Price,
			TotalValue:    total,
			PriorityFee:   adj.PriorityFee,
			Slippage:      adj.Slippage,
			ForceFullSell: decision.ForceFullSell,
			Status:        models.DetailWait,
			Time:          now,
		})
	}

	memberIDs := make([]uint, 0, len(details))
	for _, d := range details {
		memberIDs = append(memberIDs, d.MemberID)
	}

	err = e.store.WithTx(ctx, func(st storage.Store) error {
		if err := st.CreateReplicaDetails(ctx, details); err != nil {
			return err
		}
		tx.MemberIDList = memberIDs
		tx.SkippedCount = skipped
		return st.UpdateMasterTransaction(ctx, tx)
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to persist replica details: %w", err)
	}
	return details, skipped, nil
}

// execute runs one member copy. It reports whether the swap succeeded; a
// returned error is fatal for the whole fan-out.
func (e *Engine) execute(ctx context.Context, tx *models.MasterTransaction, detail *models.ReplicaDetail) (bool, error) {
	member, err := e.store.GetAccount(ctx, detail.MemberID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("failed to load member %d: %w", detail.MemberID, err)
	}

	var (
		exec    *venue.Execution
		swapErr error
	)
	if member == nil {
		swapErr = fmt.Errorf("member %d not found", detail.MemberID)
	} else {
		req := venue.SwapRequest{
			SigningKey:      member.SigningKeyRef,
			FromAsset:       detail.QuoteAsset,
			ToAsset:         detail.Token,
			Amount:          detail.Amount,
			SlippagePercent: detail.Slippage,
			Options: venue.Options{
				PriorityFee:    detail.PriorityFee,
				PreferredVenue: tx.VenueUsed,
				ForceFullSell:  detail.ForceFullSell,
			},
		}
		if detail.Type == models.SideSell {
			req.FromAsset, req.ToAsset = detail.Token, detail.QuoteAsset
		}
		exec, swapErr = e.venues.Execute(ctx, detail.Token, req)
	}

	detail.Time = time.Now().UTC()
	if swapErr != nil {
		detail.Status = models.DetailError
		detail.Message = venue.FriendlyMessage(swapErr)
		if exec != nil && len(exec.Attempts) > 0 {
			detail.Venue = exec.Attempts[len(exec.Attempts)-1].Venue
		}
	} else {
		detail.Status = models.DetailSuccess
		detail.TxHash = exec.Result.Signature
		detail.Venue = exec.Result.VenueUsed
		detail.Message = "via " + exec.Result.VenueUsed
		detail.ReceivedAmount = exec.Result.OutputAmount
	}

	if err := e.store.UpdateReplicaDetail(ctx, detail); err != nil {
		return false, fmt.Errorf("failed to save detail %d: %w", detail.ID, err)
	}

	fields := logrus.Fields{"tx_id": tx.ID, "member_id": detail.MemberID, "status": detail.Status, "venue": detail.Venue}
	if swapErr != nil {
		e.log.WithFields(fields).WithError(swapErr).Warn("Member copy failed")
		return false, nil
	}
	e.log.WithFields(fields).Info("Member copy executed")

	if e.fees != nil {
		if err := e.fees.Collect(ctx, detail); err != nil {
			e.log.WithFields(fields).WithError(err).Error("Fee collection failed")
		}
	}
	return true, nil
}

func (e *Engine) checkRunning(ctx context.Context, txID string) error {
	tx, err := e.store.GetMasterTransaction(ctx, txID)
	if err != nil {
		return fmt.Errorf("failed to check transaction status: %w", err)
	}
	switch tx.Status {
	case models.TxStatusRunning:
		return nil
	case models.TxStatusPause:
		return errPaused
	}
	return errHalted
}

func (e *Engine) batchSize(master *models.Account) int {
	if FlowFor(master) == FlowVIP {
		return e.cfg.VIPBatchSize
	}
	return e.cfg.GroupBatchSize
}

// fail marks the transaction failed with cause and returns cause
func (e *Engine) fail(ctx context.Context, txID string, cause error) error {
	from := []models.TransactionStatus{models.TxStatusRunning, models.TxStatusPause}
	moved, err := e.store.TransitionMasterTransaction(ctx, txID, from, models.TxStatusFailed, cause.Error())
	if err != nil {
		e.log.WithError(err).WithField("tx_id", txID).Error("Failed to mark transaction failed")
		return cause
	}
	if moved {
		e.log.WithError(cause).WithField("tx_id", txID).Error("Replication failed")
		e.events.Publish(ctx, events.TopicReplicationCompleted, events.ReplicationCompleted{
			TransactionID: txID,
			Status:        string(models.TxStatusFailed),
			Message:       cause.Error(),
		})
	}
	return cause
}

// waitForOrigin polls the origin order until it executed, failed or the
// origin timeout passed
func (e *Engine) waitForOrigin(ctx context.Context, orderID string) error {
	deadline := time.Now().Add(e.cfg.OriginTimeout)
	ticker := time.NewTicker(e.cfg.OriginPollInterval)
	defer ticker.Stop()

	for {
		order, err := e.store.GetOrder(ctx, orderID)
		if err != nil {
			return fmt.Errorf("failed to load origin order %s: %w", orderID, err)
		}
		switch order.Status {
		case models.OrderStatusExecuted:
			return nil
		case models.OrderStatusFailed:
			return fmt.Errorf("%w: %s", ErrOriginFailed, order.Message)
		case models.OrderStatusCanceled:
			return ErrOriginCanceled
		}

		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w after %s", ErrOriginTimeout, e.cfg.OriginTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
