package returns

import (
	"context"
	"fmt"
	"strings"
	"time"

	"IRIS-lending/internal/asset_mgmt/lendstore"
	"IRIS-lending/internal/platform/apierr"
)

// StatusChecker is anything that can answer a status poll: the Poller itself
// in process, or Client over HTTP.
type StatusChecker interface {
	CheckStatus(ctx context.Context, ids []string) (*StatusResponse, error)
}

// Poller is the read-only status surface. It takes no locks and writes nothing.
type Poller struct {
	reader    lendstore.Reader
	maxIDs    int
	pollAfter time.Duration
}

func NewPoller(reader lendstore.Reader, maxIDs int, pollAfter time.Duration) *Poller {
	if maxIDs <= 0 {
		maxIDs = 100
	}
	if pollAfter <= 0 {
		pollAfter = 3 * time.Second
	}
	return &Poller{reader: reader, maxIDs: maxIDs, pollAfter: pollAfter}
}

func (p *Poller) CheckStatus(ctx context.Context, ids []string) (*StatusResponse, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, apierr.ErrInvalid("at least one verification id is required")
	}
	if len(ids) > p.maxIDs {
		return nil, apierr.ErrInvalid(fmt.Sprintf("at most %d verification ids per request", p.maxIDs))
	}

	vs, err := p.reader.GetVerifications(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("get verifications: %w", err)
	}
	if len(vs) == 0 {
		return nil, apierr.ErrNotFound("no such verifications")
	}

	res := &StatusResponse{Verifications: toVerificationResponses(vs), TotalCount: len(ids)}
	found := make(map[string]bool, len(vs))
	for _, v := range vs {
		found[v.VerificationID] = true
		switch v.Status {
		case lendstore.VerificationVerified:
			res.VerifiedCount++
		case lendstore.VerificationRejected:
			res.RejectedCount++
		default:
			res.PendingCount++
		}
	}
	for _, id := range ids {
		if !found[id] {
			res.Missing = append(res.Missing, id)
		}
	}

	res.AllVerified = res.VerifiedCount == res.TotalCount
	res.AnyRejected = res.RejectedCount > 0
	res.Terminal = res.AllVerified || res.AnyRejected
	if !res.Terminal {
		res.PollAfterMs = p.pollAfter.Milliseconds()
	}
	return res, nil
}

// PollUntilTerminal re-polls every interval until all ids are verified, one
// is rejected, or ctx ends. The last observed status is returned either way.
func PollUntilTerminal(ctx context.Context, c StatusChecker, ids []string, interval time.Duration) (*StatusResponse, error) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *StatusResponse
	for {
		res, err := c.CheckStatus(ctx, ids)
		switch {
		case apierr.Is(err, apierr.CodeRateLimited):
			// throttled; try again next tick
		case err != nil:
			return last, err
		case res.Terminal:
			return res, nil
		default:
			last = res
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, raw := range ids {
		for _, id := range strings.Split(raw, ",") {
			id = strings.TrimSpace(id)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
