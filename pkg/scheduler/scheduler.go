// Package scheduler drives the k-worker-per-mirror retrieval fan-out
// described in §4.C: one task per mirror, built fresh from a query.Round,
// with failed mirrors dropped and the round rebuilt against the shrinking
// live set until every requested block is reconstructed or the plan can no
// longer be satisfied.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/WebFirstLanguage/raidpir/pkg/constants"
	"github.com/WebFirstLanguage/raidpir/pkg/manifest"
	"github.com/WebFirstLanguage/raidpir/pkg/query"
	"github.com/WebFirstLanguage/raidpir/pkg/reconstruct"
	"github.com/WebFirstLanguage/raidpir/pkg/wireproto"
	"golang.org/x/sync/errgroup"
)

// ErrMirrorUnavailable is returned when too few mirrors remain live to
// satisfy the query parameters or the reconstruction plan.
var ErrMirrorUnavailable = fmt.Errorf("scheduler: mirror unavailable")

// Dialer opens a session-framed connection to a mirror. It abstracts over
// pkg/transport so tests can substitute an in-process pipe.
type Dialer interface {
	Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error)
}

// Strategy is the capability-set extensibility point named in the
// protocol's design notes: a scheduler wired with a custom Strategy can
// observe and react to per-mirror outcomes without touching the fan-out
// loop itself.
type Strategy interface {
	// OnFailure fires once a mirror's request fails for any reason (dial
	// error, protocol error, timeout) in the given retry round.
	OnFailure(addr string, round int, err error)
	// OnSuccess fires once a mirror's response has been folded into the
	// reconstructor.
	OnSuccess(addr string, round int, elapsed time.Duration)
}

// NopStrategy implements Strategy with no-ops.
type NopStrategy struct{}

func (NopStrategy) OnFailure(string, int, error)         {}
func (NopStrategy) OnSuccess(string, int, time.Duration) {}

// Timings accumulates per-mirror round-trip latency across a Fetch call.
// Workers record into it concurrently, under one shared mutex, as each
// request completes; safe to read once Fetch has returned.
type Timings struct {
	mu     sync.Mutex
	totals map[string]time.Duration
	counts map[string]int
}

func newTimings() *Timings {
	return &Timings{totals: map[string]time.Duration{}, counts: map[string]int{}}
}

func (t *Timings) record(addr string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totals[addr] += d
	t.counts[addr]++
}

// Average returns the mean observed round-trip latency for addr, or zero if
// no request to it ever completed.
func (t *Timings) Average(addr string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counts[addr] == 0 {
		return 0
	}
	return t.totals[addr] / time.Duration(t.counts[addr])
}

// Scheduler retrieves a set of requested blocks from a fixed-size pool of
// mirrors, reassigning around mirror failures as described in §4.C.
type Scheduler struct {
	Dialer    Dialer
	Opts      query.Options
	BlockSize int
	Manifest  *manifest.Manifest // optional; enables per-block hash verification
	Strategy  Strategy
}

// New creates a Scheduler. strategy may be nil, selecting NopStrategy.
func New(dialer Dialer, opts query.Options, blockSize int, m *manifest.Manifest, strategy Strategy) *Scheduler {
	if strategy == nil {
		strategy = NopStrategy{}
	}
	return &Scheduler{Dialer: dialer, Opts: opts, BlockSize: blockSize, Manifest: m, Strategy: strategy}
}

// Fetch retrieves blocks (ascending) from mirrors, whose length must equal
// Opts.K. Each retry round rebuilds an entirely fresh query.Round scoped to
// the mirrors still believed live and the blocks still unresolved: the
// XOR-share scheme has no spare capacity beyond the r mirrors already
// assigned to a chunk, so "reassigning" a failed mirror's work means
// re-deriving new shares/seeds for the reduced mirror count rather than
// patching the old round. Blocks already reconstructed in an earlier round
// are kept; only the remainder is retried. If the live mirror count ever
// drops below what Opts requires, Fetch returns ErrMirrorUnavailable. In
// the chunked modes (Opts.R > 0) it also returns ErrMirrorUnavailable once
// R mirrors in total have failed, instead of re-planning on the survivors.
func (s *Scheduler) Fetch(ctx context.Context, blockCount int, blocks []uint64, mirrors []string) (map[uint64][]byte, *Timings, error) {
	if len(mirrors) != s.Opts.K {
		return nil, nil, fmt.Errorf("scheduler: got %d mirror addresses for k=%d", len(mirrors), s.Opts.K)
	}

	live := append([]string(nil), mirrors...)
	remaining := append([]uint64(nil), blocks...)
	results := make(map[uint64][]byte, len(blocks))
	timings := newTimings()
	lost := 0

	for attempt := 0; len(remaining) > 0; attempt++ {
		opts := s.Opts
		opts.K = len(live)
		if err := query.Validate(opts, blockCount); err != nil {
			return results, timings, fmt.Errorf("%w: %v", ErrMirrorUnavailable, err)
		}

		round, err := query.Build(opts, blockCount, remaining, nil)
		if err != nil {
			return results, timings, err
		}

		rec := reconstruct.New(round.Plan, s.BlockSize, s.Manifest)

		failedMirrors, roundErr := s.runRound(ctx, round, live, rec, attempt, timings)

		for b, data := range rec.Blocks() {
			results[b] = data
		}

		if rec.Finished() {
			return results, timings, nil
		}

		// A hash mismatch is a data-integrity violation, not a connectivity
		// fault: retrying with the remaining mirrors can't fix corrupted
		// bytes, so it must abort immediately rather than fall into the
		// mirror-failure retry path below (§7).
		if roundErr != nil && errors.Is(roundErr, reconstruct.ErrBlockHashMismatch) {
			return results, timings, roundErr
		}

		if len(failedMirrors) == 0 {
			return results, timings, fmt.Errorf("%w: round ended without resolving all blocks: %v", ErrMirrorUnavailable, roundErr)
		}

		lost += len(failedMirrors)
		if s.Opts.R > 0 && lost >= s.Opts.R {
			return results, timings, fmt.Errorf("%w: %d mirrors failed with redundancy r=%d", ErrMirrorUnavailable, lost, s.Opts.R)
		}

		live = dropMirrors(live, failedMirrors)
		remaining = pendingBlocks(rec)
	}

	return results, timings, nil
}

// dropMirrors removes the (possibly duplicated) indices in failed from live,
// preserving the relative order of the mirrors that remain.
func dropMirrors(live []string, failed []int) []string {
	drop := make(map[int]bool, len(failed))
	for _, idx := range failed {
		drop[idx] = true
	}
	out := make([]string, 0, len(live))
	for i, addr := range live {
		if !drop[i] {
			out = append(out, addr)
		}
	}
	return out
}

func pendingBlocks(rec *reconstruct.Reconstructor) []uint64 {
	pending := rec.Pending()
	out := make([]uint64, 0, len(pending))
	for b := range pending {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// runRound dispatches every request in round concurrently, one goroutine per
// mirror, and waits for all of them to finish (successfully or not) so that
// a single slow or failed mirror doesn't mask results already gathered from
// the others. It returns the mirror indices (within the round's own
// numbering, which matches live's indices) that failed.
func (s *Scheduler) runRound(ctx context.Context, round *query.Round, live []string, rec *reconstruct.Reconstructor, attempt int, timings *Timings) ([]int, error) {
	roundCtx, cancel := context.WithTimeout(ctx, constants.MirrorRequestTimeout)
	defer cancel()

	var eg errgroup.Group
	var mu sync.Mutex
	var failed []int
	var firstErr error

	for _, req := range round.Requests {
		req := req
		eg.Go(func() error {
			addr := live[req.Mirror]
			start := time.Now()
			err := s.dispatch(roundCtx, addr, req, rec)
			if err != nil {
				s.Strategy.OnFailure(addr, attempt, err)
				mu.Lock()
				failed = append(failed, req.Mirror)
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return err
			}
			s.Strategy.OnSuccess(addr, attempt, time.Since(start))
			timings.record(addr, time.Since(start))
			return nil
		})
	}
	_ = eg.Wait()

	return dedupInts(failed), firstErr
}

func dedupInts(in []int) []int {
	seen := map[int]bool{}
	out := make([]int, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// dispatch dials addr, sends req's query, reads back its response blocks,
// and folds each into rec. rec.Apply is safe for concurrent use by the
// other dispatch calls running alongside this one.
func (s *Scheduler) dispatch(ctx context.Context, addr string, req query.MirrorRequest, rec *reconstruct.Reconstructor) error {
	conn, err := s.Dialer.Dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if err := wireproto.WriteRequest(conn, req.Query); err != nil {
		return fmt.Errorf("write request to %s: %w", addr, err)
	}

	br := wireproto.NewReader(conn)
	blocks, err := wireproto.ReadResponse(br, s.BlockSize, req.Query.ResultCount())
	if err != nil {
		return fmt.Errorf("read response from %s: %w", addr, err)
	}

	for slot, data := range blocks {
		if _, err := rec.Apply(req.Mirror, slot, data); err != nil {
			return fmt.Errorf("apply response from %s: %w", addr, err)
		}
	}
	return nil
}
