// Package alerts raises and resolves late-transfer alerts.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/bridgemonitor/internal/core/domain"
	"github.com/vietddude/bridgemonitor/internal/indexing/emitter"
	"github.com/vietddude/bridgemonitor/internal/indexing/metrics"
	"github.com/vietddude/bridgemonitor/internal/infra/storage"
)

// DefaultInterval is how long an unresolved alert stays quiet before it is
// sent again.
const DefaultInterval = 30 * time.Minute

// CountFunc counts late transfers inside a unit of work.
type CountFunc func(ctx context.Context, uow storage.UnitOfWork, now time.Time) (int, error)

// Family describes the late-transfer rule of one transfer family.
type Family struct {
	Name   string
	Type   domain.AlertType
	Source string
	Count  CountFunc
}

// TokenBridge counts token bridge transfers deposited more than 2h ago or
// not updated for 30m.
var TokenBridge = Family{
	Name:   "token_bridge",
	Type:   domain.AlertLateTransfers,
	Source: "the token bridge",
	Count: func(ctx context.Context, uow storage.UnitOfWork, now time.Time) (int, error) {
		transfers, err := uow.Transfers().ListUnprocessed(ctx)
		if err != nil {
			return 0, err
		}
		late := 0
		for _, t := range transfers {
			if t.IsLate(now, 2*time.Hour, 30*time.Minute) {
				late++
			}
		}
		return late, nil
	},
}

// BidiFastBTC counts bidirectional FastBTC transfers created more than 2h
// ago or not updated for 45m.
var BidiFastBTC = Family{
	Name:   "bidi_fastbtc",
	Type:   domain.AlertBidiFastBTCLateTransfers,
	Source: "bidirectional FastBTC",
	Count: func(ctx context.Context, uow storage.UnitOfWork, now time.Time) (int, error) {
		transfers, err := uow.BidiTransfers().ListUnprocessed(ctx)
		if err != nil {
			return 0, err
		}
		late := 0
		for _, t := range transfers {
			if t.IsLate(now, 2*time.Hour, 45*time.Minute) {
				late++
			}
		}
		return late, nil
	},
}

// FastBTCIn counts multisig transfers first seen more than 2h30m ago or not
// updated for 75m.
var FastBTCIn = Family{
	Name:   "fastbtc_in",
	Type:   domain.AlertFastBTCInLateTransfers,
	Source: "FastBTC-in",
	Count: func(ctx context.Context, uow storage.UnitOfWork, now time.Time) (int, error) {
		transfers, err := uow.FastBTCIn().ListUnprocessed(ctx)
		if err != nil {
			return 0, err
		}
		late := 0
		for _, t := range transfers {
			if t.IsLate(now, 150*time.Minute, 75*time.Minute) {
				late++
			}
		}
		return late, nil
	},
}

// Result is the outcome of one Handle call.
type Result struct {
	Late     int
	Sent     bool
	Resolved int
}

// Handler keeps at most one unresolved alert per family.
type Handler struct {
	store    storage.Store
	messager emitter.Messager
	interval time.Duration
	now      func() time.Time
	log      *slog.Logger
}

func NewHandler(store storage.Store, messager emitter.Messager, interval time.Duration) *Handler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if messager == nil {
		messager = emitter.Null{}
	}
	return &Handler{
		store:    store,
		messager: messager,
		interval: interval,
		now:      time.Now,
		log:      slog.Default().With("component", "alerts"),
	}
}

// Handle counts late transfers of f and raises, repeats or resolves its
// alert. Messages are sent only after the alert state is committed.
func (h *Handler) Handle(ctx context.Context, f Family) (*Result, error) {
	log := h.log.With("type", f.Type, "round", uuid.NewString())
	now := h.now().UTC()
	res := &Result{}

	err := storage.InTx(ctx, h.store, func(uow storage.UnitOfWork) error {
		late, err := f.Count(ctx, uow, now)
		if err != nil {
			return fmt.Errorf("count late transfers: %w", err)
		}
		res.Late = late

		repo := uow.Alerts()
		existing, err := repo.ListUnresolved(ctx, f.Type)
		if err != nil {
			return err
		}

		// 1. Late transfers: raise a new alert or repeat a stale one
		if late > 0 {
			if !shouldSend(existing, now, h.interval) {
				return nil
			}
			if len(existing) == 0 {
				if err := repo.Insert(ctx, &domain.Alert{Type: f.Type, CreatedOn: now, LastMessageSentOn: &now}); err != nil {
					return err
				}
			}
			for _, a := range existing {
				a.LastMessageSentOn = &now
				if err := repo.Update(ctx, a); err != nil {
					return err
				}
			}
			res.Sent = true
			msg := fmt.Sprintf("**🚨 Alert! 🚨**\nThere are **%d** late transfers on %s.", late, f.Source)
			uow.AfterCommit(func() { h.send(ctx, log, msg) })
			return nil
		}

		// 2. Nothing late: resolve whatever is open
		for _, a := range existing {
			a.Resolved = true
			if err := repo.Update(ctx, a); err != nil {
				return err
			}
		}
		res.Resolved = len(existing)
		if len(existing) > 0 {
			msg := fmt.Sprintf("**Resolved:** No more late transfers on %s 😌 .", f.Source)
			uow.AfterCommit(func() { h.send(ctx, log, msg) })
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("handle %s alerts: %w", f.Type, err)
	}

	metrics.LateTransfers.WithLabelValues(f.Name).Set(float64(res.Late))
	log.Info("Alerts handled", "late", res.Late, "sent", res.Sent, "resolved", res.Resolved)
	return res, nil
}

// HandleAll runs Handle for every family and returns the first error after
// trying all of them.
func (h *Handler) HandleAll(ctx context.Context, families ...Family) error {
	var firstErr error
	for _, f := range families {
		if _, err := h.Handle(ctx, f); err != nil {
			h.log.Error("Alert handling failed", "type", f.Type, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (h *Handler) send(ctx context.Context, log *slog.Logger, msg string) {
	if err := h.messager.Send(ctx, msg); err != nil {
		log.Error("Failed to send alert message", "error", err)
	}
}

// shouldSend reports whether no alert is open or the last message of the
// open alerts is older than interval.
func shouldSend(existing []*domain.Alert, now time.Time, interval time.Duration) bool {
	if len(existing) == 0 {
		return true
	}
	var last time.Time
	for _, a := range existing {
		if a.LastMessageSentOn != nil && a.LastMessageSentOn.After(last) {
			last = *a.LastMessageSentOn
		}
	}
	return now.Sub(last) > interval
}
