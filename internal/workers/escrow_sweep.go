package workers

import (
	"context"
	"log/slog"

	"github.com/riverqueue/river"

	"github.com/pointledger/backend/internal/escrow"
)

type EscrowSweepArgs struct{}

func (EscrowSweepArgs) Kind() string { return "escrow_sweep" }

// EscrowSweepWorker releases pending escrows whose dispute deadline has
// passed. Scheduled periodically; each run is independent and safe to
// repeat or overlap with manual resolutions.
type EscrowSweepWorker struct {
	river.WorkerDefaults[EscrowSweepArgs]
	escrows escrow.Service
	log     *slog.Logger
}

func NewEscrowSweepWorker(escrows escrow.Service, log *slog.Logger) *EscrowSweepWorker {
	if log == nil {
		log = slog.Default()
	}
	return &EscrowSweepWorker{escrows: escrows, log: log}
}

func (w *EscrowSweepWorker) Work(ctx context.Context, job *river.Job[EscrowSweepArgs]) error {
	released, err := w.escrows.AutoResolve(ctx)
	if err != nil {
		return err
	}
	if released > 0 {
		w.log.Info("escrow sweep completed", "released", released)
	}
	return nil
}
