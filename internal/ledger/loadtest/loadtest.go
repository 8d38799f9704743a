// Package loadtest drives a ledger store with concurrent operators to
// measure latency through the connection pool and check that concurrent
// writers never lose records.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/db"
	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/record"
)

// Operation names used in results.
const (
	OpSave   = "save"
	OpList   = "list"
	OpSearch = "search"
	OpCount  = "count_pending"
	OpStats  = "stats"
)

// Options configures a run.
type Options struct {
	// Workers is the number of concurrent operators.
	Workers int

	// OpsPerWorker is how many operations each operator performs.
	OpsPerWorker int

	// WriteRatio is the fraction of operations that are saves (0..1).
	WriteRatio float64

	// Seed makes the operation mix reproducible.
	Seed int64
}

// DefaultOptions returns a mix resembling a busy collection day.
func DefaultOptions() Options {
	return Options{Workers: 20, OpsPerWorker: 50, WriteRatio: 0.3, Seed: 42}
}

// LatencyStats captures performance metrics for one operation.
type LatencyStats struct {
	Count int
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
}

// Result is the outcome of Run.
type Result struct {
	Ops        map[string]*LatencyStats
	Total      *LatencyStats
	Errors     int
	Saved      int
	Elapsed    time.Duration
	Recoveries int64
	Attempts   int64
}

// Throughput is completed operations per second.
func (r *Result) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Total.Count) / r.Elapsed.Seconds()
}

// Populate bulk-inserts n donations and n expenses dated over the last
// 90 days before now.
func Populate(ctx context.Context, store *db.Store, n int, now time.Time) error {
	rng := rand.New(rand.NewSource(7))
	donations := make([]*record.Donation, n)
	expenses := make([]*record.Expense, n)
	for i := range n {
		donations[i] = generateDonation(rng, i, now)
		expenses[i] = generateExpense(rng, i, now)
	}
	if err := store.BulkSaveDonations(ctx, donations, 0); err != nil {
		return fmt.Errorf("failed to populate donations: %w", err)
	}
	if err := store.BulkSaveExpenses(ctx, expenses, 0); err != nil {
		return fmt.Errorf("failed to populate expenses: %w", err)
	}
	return nil
}

var benefactors = []string{"Ali Khan", "Sara Ahmed", "Bilal Hussain", "Ayesha Siddiqui", "Omar Farooq", "Hina Raza"}

func generateDonation(rng *rand.Rand, i int, now time.Time) *record.Donation {
	categories := []record.DonationCategory{record.DonationCharity, record.DonationZakat, record.DonationSadaqah, record.DonationOther}
	d := record.NewDonation(
		decimal.NewFromInt(int64(100+rng.Intn(50000))).Shift(-2),
		"PKR",
		benefactors[rng.Intn(len(benefactors))],
		fmt.Sprintf("+92300%07d", rng.Intn(10_000_000)),
		categories[i%len(categories)],
		now.Add(-time.Duration(rng.Intn(90*24))*time.Hour),
	)
	d.Recipient = "loadtest"
	d.Description = fmt.Sprintf("load test donation %d", i)
	return d
}

func generateExpense(rng *rand.Rand, i int, now time.Time) *record.Expense {
	e := record.NewExpense(
		decimal.NewFromInt(int64(100+rng.Intn(20000))).Shift(-2),
		"PKR",
		fmt.Sprintf("Vendor %d", rng.Intn(40)),
		record.ExpenseCategories[i%len(record.ExpenseCategories)],
		i%7 == 0,
		now.Add(-time.Duration(rng.Intn(90*24))*time.Hour),
	)
	return e
}

// Run performs the configured mix against store and returns latency
// statistics per operation.
func Run(ctx context.Context, store *db.Store, opts Options) (*Result, error) {
	if opts.Workers <= 0 || opts.OpsPerWorker <= 0 {
		return nil, fmt.Errorf("workers and ops per worker must be positive")
	}
	if err := store.EnsureInitialized(ctx); err != nil {
		return nil, err
	}

	var mu sync.Mutex
	durations := make(map[string][]time.Duration)
	errCount, saved := 0, 0
	observe := func(op string, d time.Duration, err error, wrote bool) {
		mu.Lock()
		defer mu.Unlock()
		durations[op] = append(durations[op], d)
		if err != nil {
			errCount++
		} else if wrote {
			saved++
		}
	}

	start := time.Now()
	var g errgroup.Group
	for w := range opts.Workers {
		rng := rand.New(rand.NewSource(opts.Seed + int64(w)))
		g.Go(func() error {
			for i := range opts.OpsPerWorker {
				if err := ctx.Err(); err != nil {
					return err
				}
				op, fn := pick(rng, opts.WriteRatio, store, w*opts.OpsPerWorker+i)
				t0 := time.Now()
				err := fn(ctx)
				observe(op, time.Since(t0), err, op == OpSave)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{
		Ops:     make(map[string]*LatencyStats, len(durations)),
		Errors:  errCount,
		Saved:   saved,
		Elapsed: time.Since(start),
	}
	var all []time.Duration
	for op, ds := range durations {
		res.Ops[op] = computeLatencyStats(ds)
		all = append(all, ds...)
	}
	res.Total = computeLatencyStats(all)
	if p := store.Pool(); p != nil {
		res.Recoveries = p.Recoveries()
		res.Attempts = p.Attempts()
	}
	return res, nil
}

func pick(rng *rand.Rand, writeRatio float64, store *db.Store, seq int) (string, func(context.Context) error) {
	if rng.Float64() < writeRatio {
		d := generateDonation(rng, seq, time.Now())
		return OpSave, func(ctx context.Context) error { return store.SaveDonation(ctx, d) }
	}
	switch rng.Intn(4) {
	case 0:
		return OpList, func(ctx context.Context) error {
			_, err := store.ListDonations(ctx, db.ListOptions{Limit: 20})
			return err
		}
	case 1:
		term := benefactors[rng.Intn(len(benefactors))][:3]
		return OpSearch, func(ctx context.Context) error {
			_, err := store.ListDonations(ctx, db.ListOptions{Limit: 20, Search: term})
			return err
		}
	case 2:
		return OpCount, func(ctx context.Context) error {
			_, err := store.CountPending(ctx, record.KindDonation)
			return err
		}
	default:
		return OpStats, func(ctx context.Context) error {
			_, err := store.Stats(ctx)
			return err
		}
	}
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return &LatencyStats{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
	}
}

// Print writes a human-readable summary of r.
func (r *Result) Print(w io.Writer) {
	fmt.Fprintf(w, "Operations: %d in %v (%.0f ops/s), errors: %d, saved: %d\n",
		r.Total.Count, r.Elapsed.Round(time.Millisecond), r.Throughput(), r.Errors, r.Saved)
	fmt.Fprintf(w, "Pool: %d attempts, %d recoveries\n", r.Attempts, r.Recoveries)
	fmt.Fprintf(w, "%-14s %6s %10s %10s %10s %10s %10s\n", "op", "count", "p50", "p95", "p99", "mean", "max")

	ops := make([]string, 0, len(r.Ops))
	for op := range r.Ops {
		ops = append(ops, op)
	}
	slices.Sort(ops)
	for _, op := range ops {
		s := r.Ops[op]
		fmt.Fprintf(w, "%-14s %6d %10v %10v %10v %10v %10v\n", op, s.Count,
			s.P50.Round(time.Microsecond), s.P95.Round(time.Microsecond), s.P99.Round(time.Microsecond),
			s.Mean.Round(time.Microsecond), s.Max.Round(time.Microsecond))
	}
}

// VerifyNoLostWrites checks that every donation saved during the run is in
// the store alongside the populated ones.
func VerifyNoLostWrites(ctx context.Context, store *db.Store, populated int, res *Result) error {
	total, err := store.CountTotal(ctx, record.KindDonation)
	if err != nil {
		return err
	}
	if want := populated + res.Saved; total != want {
		return fmt.Errorf("expected %d donations, found %d", want, total)
	}
	return nil
}
