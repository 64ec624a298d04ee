package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"tradedesk/internal/domain"
)

// ProfileResult is the outcome of a fan-out operation on one profile.
type ProfileResult struct {
	Profile   domain.ProfileID `json:"profile"`
	Orders    []string         `json:"orders,omitempty"`
	Cancelled int              `json:"cancelled,omitempty"`
	Err       error            `json:"-"`
	Error     string           `json:"error,omitempty"`
}

// FanOutSubmit submits req on every logged-in profile in parallel. Each
// profile runs its own risk checks; a rejection on one does not affect the
// others.
func (e *Engine) FanOutSubmit(ctx context.Context, req domain.OrderRequest) ([]ProfileResult, error) {
	return e.fanOut(ctx, "submit", func(ctx context.Context, id domain.ProfileID) (ProfileResult, error) {
		cid, err := e.SubmitOrder(ctx, id, req)
		if err != nil {
			return ProfileResult{}, err
		}
		return ProfileResult{Orders: []string{cid}}, nil
	})
}

// FanOutCancelAll cancels every open order on every logged-in profile.
func (e *Engine) FanOutCancelAll(ctx context.Context) ([]ProfileResult, error) {
	return e.fanOut(ctx, "cancel_all", func(ctx context.Context, id domain.ProfileID) (ProfileResult, error) {
		n, err := e.CancelAllOpen(ctx, id)
		return ProfileResult{Cancelled: n}, err
	})
}

// FanOutSquareOff closes every open position on every logged-in profile.
func (e *Engine) FanOutSquareOff(ctx context.Context) ([]ProfileResult, error) {
	return e.fanOut(ctx, "square_off", func(ctx context.Context, id domain.ProfileID) (ProfileResult, error) {
		cids, err := e.SquareOffAll(ctx, id)
		return ProfileResult{Orders: cids}, err
	})
}

// fanOut runs fn for every profile, at most Scheduler.MaxConcurrent at a
// time, and returns one result per profile sorted by id. Profiles whose
// login was rejected are reported without calling fn.
func (e *Engine) fanOut(ctx context.Context, op string, fn func(context.Context, domain.ProfileID) (ProfileResult, error)) ([]ProfileResult, error) {
	if err := e.checkRunning(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	ids := make([]domain.ProfileID, 0, len(e.profiles))
	for id := range e.profiles {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	slices.SortFunc(ids, func(a, b domain.ProfileID) int { return strings.Compare(string(a), string(b)) })

	results := make([]ProfileResult, len(ids))
	var g errgroup.Group
	if n := e.cfg.Scheduler.MaxConcurrent; n > 0 {
		g.SetLimit(n)
	}
	for i, id := range ids {
		if e.sessions.NeedsLogin(id) {
			results[i] = failed(id, fmt.Errorf("%w: profile %s needs login", domain.ErrAuth, id))
			continue
		}
		g.Go(func() error {
			res, err := fn(ctx, id)
			res.Profile = id
			if err != nil {
				res.Err, res.Error = err, err.Error()
			}
			results[i] = res
			return nil
		})
	}
	g.Wait()

	failures := 0
	for _, r := range results {
		if r.Err != nil {
			failures++
			e.log.Warn("fan-out failed on profile", "event", "fan_out_failed", "op", op,
				"profile", string(r.Profile), "error", r.Err)
		}
	}
	e.log.Info("fan-out finished", "event", "fan_out", "op", op, "profiles", len(ids), "failed", failures)
	return results, nil
}

func failed(id domain.ProfileID, err error) ProfileResult {
	return ProfileResult{Profile: id, Err: err, Error: err.Error()}
}
