package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"digimarket/native/escrow"
	"digimarket/observability"
)

// Escrows is the subset of the escrow engine the sweeper drives.
type Escrows interface {
	ExpireSweep(ctx context.Context, escrowID string) (*escrow.Escrow, bool, error)
	ReleaseReservation(ctx context.Context, escrowID string) (*escrow.Escrow, bool, error)
}

// Lister finds escrows by state.
type Lister interface {
	ByState(ctx context.Context, state escrow.State) ([]*escrow.Escrow, error)
}

// Config configures the sweeper.
type Config struct {
	Engine   Escrows
	Lister   Lister
	Interval time.Duration
	// Grace mirrors the engine's expiry grace so escrows inside the window
	// are not attempted on every tick.
	Grace  time.Duration
	Logger *slog.Logger
}

// Report summarises one sweep.
type Report struct {
	Scanned              int
	Expired              int
	ReservationsReleased int
	Failed               int
}

// Sweeper expires unpaid escrows after their deadline and returns abandoned
// reservations to the unclaimed pool.
type Sweeper struct {
	engine   Escrows
	lister   Lister
	interval time.Duration
	grace    time.Duration
	logger   *slog.Logger
	metrics  *observability.SweeperMetrics
	nowFn    func() time.Time
}

// New constructs a sweeper with sane defaults.
func New(cfg Config) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		engine:   cfg.Engine,
		lister:   cfg.Lister,
		interval: interval,
		grace:    cfg.Grace,
		logger:   logger,
		metrics:  observability.Sweeper(),
		nowFn:    time.Now,
	}
}

// SetNowFunc overrides the clock used to pick candidates.
func (s *Sweeper) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.nowFn = now
}

// Start sweeps immediately, then every interval until the context is
// cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	if s == nil || s.engine == nil || s.lister == nil {
		return
	}
	s.sweep(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("escrow sweep failed", slog.Any("error", err))
	}
}

// RunOnce performs a single sweep. Per-escrow failures are logged and counted
// without aborting the sweep; only a failed listing returns an error.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	start := time.Now()
	var report Report
	pending, err := s.lister.ByState(ctx, escrow.StatePendingPayment)
	if err != nil {
		s.metrics.ObserveRun(0, 0, 1, time.Since(start))
		return report, err
	}
	report.Scanned = len(pending)
	now := s.nowFn()
	for _, esc := range pending {
		if ctx.Err() != nil {
			break
		}
		switch {
		case now.After(esc.PaymentDeadline.Add(s.grace)) && !esc.Claimed(now):
			_, changed, err := s.engine.ExpireSweep(ctx, esc.ID)
			if s.record(esc.ID, "expire", err) && changed {
				report.Expired++
			}
			if err != nil && !benign(err) {
				report.Failed++
			}
		case esc.ReservationLapsed(now):
			_, changed, err := s.engine.ReleaseReservation(ctx, esc.ID)
			if s.record(esc.ID, "release_reservation", err) && changed {
				report.ReservationsReleased++
			}
			if err != nil && !benign(err) {
				report.Failed++
			}
		}
	}
	s.metrics.ObserveRun(report.Expired, report.ReservationsReleased, report.Failed, time.Since(start))
	if report.Expired > 0 || report.ReservationsReleased > 0 || report.Failed > 0 {
		s.logger.Info("escrow sweep",
			slog.Int("scanned", report.Scanned),
			slog.Int("expired", report.Expired),
			slog.Int("reservations_released", report.ReservationsReleased),
			slog.Int("failed", report.Failed))
	}
	return report, nil
}

// record logs a per-escrow outcome and reports whether it succeeded.
func (s *Sweeper) record(id, op string, err error) bool {
	if err == nil {
		return true
	}
	if benign(err) {
		s.logger.Debug("escrow sweep skipped", slog.String("escrow_id", id), slog.String("op", op), slog.String("reason", escrow.Code(err)))
		return false
	}
	s.logger.Warn("escrow sweep action failed", slog.String("escrow_id", id), slog.String("op", op), slog.Any("error", err))
	return false
}

// benign errors mean another actor moved the escrow between the listing and
// the action.
func benign(err error) bool {
	return errors.Is(err, escrow.ErrAlreadyClaimed) ||
		errors.Is(err, escrow.ErrDeadlineNotPassed) ||
		errors.Is(err, escrow.ErrNotAvailable)
}
