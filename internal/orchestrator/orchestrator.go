// Package orchestrator drives one pull cycle: locking feeds, retrying
// failed commits, updating feed tips, and delivering new commits to
// their bound targets.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sony/gobreaker"

	"korgalore/internal/bozofilter"
	"korgalore/internal/feed"
	"korgalore/internal/korgaerr"
	"korgalore/internal/rawmsg"
	"korgalore/internal/target"
	"korgalore/internal/tracking"
)

// consecutiveFailureLimit aborts a target's remaining commits in this
// cycle once this many deliveries in a row have failed.
const consecutiveFailureLimit = 5

// Binding is one configured delivery: a named link between a feed, a
// target, and delivery-specific metadata.
type Binding struct {
	Name       string
	Feed       feed.Feed
	Target     target.Target
	Labels     []string
	Subfolder  string
	Bozofilter *bozofilter.Filter
}

// Options controls one RunCycle invocation.
type Options struct {
	// Only is a single delivery name to restrict the cycle to, or ""
	// for every configured delivery.
	Only string
	// Force runs every delivery regardless of whether its feed reports
	// an UPDATED status.
	Force bool
	// NoUpdate skips the feed-update pass entirely. The retry pass still
	// delivers previously-failed commits, and new commits are delivered
	// only when Force is also set.
	NoUpdate bool
	// OnCommit, if set, is called once per commit this cycle considers
	// for delivery (including skips), after the attempt completes. The
	// CLI uses this to drive a progress indicator.
	OnCommit func(delivery string)
}

// Summary reports per-delivery counts for one cycle, logged by the CLI.
type Summary struct {
	Delivered map[string]int
	Skipped   map[string]int
	Failed    map[string]int
}

func newSummary() *Summary {
	return &Summary{
		Delivered: map[string]int{},
		Skipped:   map[string]int{},
		Failed:    map[string]int{},
	}
}

// Orchestrator holds the bindings for one process lifetime's pull cycles.
type Orchestrator struct {
	Bindings []Binding
	Manifest *tracking.Manifest
	Logger   *slog.Logger
}

// RunCycle locks every feed touched by the selected bindings, retries
// previously-failed commits, fetches fresh commits, and delivers
// everything that's due this cycle.
func (o *Orchestrator) RunCycle(ctx context.Context, opts Options) (*Summary, error) {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	summary := newSummary()

	bindings := o.selectBindings(opts.Only)
	if len(bindings) == 0 {
		return summary, nil
	}

	uniqueFeeds := uniqueFeedsOf(bindings)

	for _, f := range uniqueFeeds {
		if err := f.Lock(ctx); err != nil {
			logger.Error("failed to acquire feed lock", "feed", f.Key(), "error", err)
			return summary, err
		}
	}
	defer func() {
		for _, f := range uniqueFeeds {
			if err := f.Unlock(); err != nil {
				logger.Error("failed to release feed lock", "feed", f.Key(), "error", err)
			}
		}
	}()

	// Step 4: retry pass.
	for _, b := range bindings {
		failed, err := b.Feed.FailedCommitsForDelivery(b.Name)
		if err != nil {
			logger.Error("failed to read failed ledger", "delivery", b.Name, "error", err)
			continue
		}
		for _, ref := range failed {
			deliverCommit(ctx, b, ref, true, summary, logger)
			if opts.OnCommit != nil {
				opts.OnCommit(b.Name)
			}
		}
	}

	// Step 5: feed update pass.
	statuses := map[string]feed.Status{}
	if !opts.NoUpdate {
		for _, f := range uniqueFeeds {
			status, err := f.UpdateFeed(ctx)
			if err != nil {
				logger.Error("feed update failed", "feed", f.Key(), "error", err)
				continue
			}
			statuses[f.Key()] = status
		}
	}

	// Step 6: tip-initialize deliveries bound to freshly-initialized feeds.
	for _, b := range bindings {
		if statuses[b.Feed.Key()].Has(feed.Initialized) {
			if err := b.Feed.InitializeDeliveryCursor(b.Name, false); err != nil {
				logger.Error("failed to initialize delivery cursor", "delivery", b.Name, "error", err)
			}
		}
	}

	// Step 7: deliveries-to-run.
	var toRun []Binding
	for _, b := range bindings {
		if opts.Force || statuses[b.Feed.Key()].Has(feed.Updated) {
			toRun = append(toRun, b)
		}
	}

	// Step 8: group by target, deliver with a per-target circuit breaker.
	byTarget := groupByTarget(toRun)
	for _, group := range byTarget {
		runTargetGroup(ctx, group, summary, logger, opts.OnCommit)
	}

	// Step 9: tracked-thread activity.
	if o.Manifest != nil {
		for _, b := range bindings {
			if delivered := summary.Delivered[b.Name]; delivered > 0 {
				if th := o.Manifest.GetThreadByMessageID(b.Name); th != nil {
					o.Manifest.UpdateActivity(th.TrackID, delivered)
				}
			}
		}
		if err := o.Manifest.Save(); err != nil {
			logger.Error("failed to save tracking manifest", "error", err)
		}
	}

	return summary, nil
}

func (o *Orchestrator) selectBindings(only string) []Binding {
	if only == "" {
		return o.Bindings
	}
	var out []Binding
	for _, b := range o.Bindings {
		if b.Name == only {
			out = append(out, b)
		}
	}
	return out
}

func uniqueFeedsOf(bindings []Binding) []feed.Feed {
	seen := map[string]bool{}
	var out []feed.Feed
	for _, b := range bindings {
		if seen[b.Feed.Key()] {
			continue
		}
		seen[b.Feed.Key()] = true
		out = append(out, b.Feed)
	}
	return out
}

func groupByTarget(bindings []Binding) map[target.Target][]Binding {
	groups := map[target.Target][]Binding{}
	for _, b := range bindings {
		groups[b.Target] = append(groups[b.Target], b)
	}
	return groups
}

func runTargetGroup(ctx context.Context, bindings []Binding, summary *Summary, logger *slog.Logger, onCommit func(delivery string)) {
	if len(bindings) == 0 {
		return
	}
	tgt := bindings[0].Target

	// A fresh breaker per target per cycle: ReadyToTrip fires at 5
	// consecutive failures, and the loop below abandons the target as soon
	// as the breaker reports it open, so no half-open probe happens inside
	// the same cycle and the counter resets cycle to cycle rather than
	// persisting across them.
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "target",
		MaxRequests: 0,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailureLimit
		},
	})

	for _, b := range bindings {
		refs, err := b.Feed.LatestCommitsForDelivery(ctx, b.Name)
		if err != nil {
			logger.Error("failed to enumerate new commits", "delivery", b.Name, "error", err)
			continue
		}
		for _, ref := range refs {
			_, err := cb.Execute(func() (any, error) {
				ok := deliverCommit(ctx, b, ref, false, summary, logger)
				if !ok {
					return nil, fmt.Errorf("delivery failed")
				}
				return nil, nil
			})
			if onCommit != nil {
				onCommit(b.Name)
			}
			if err == gobreaker.ErrOpenState {
				logger.Error("target aborted after consecutive failures", "target", fmt.Sprintf("%T", tgt))
				return
			}
		}
	}

	if d, ok := tgt.(target.Disconnector); ok {
		if err := d.Disconnect(ctx); err != nil {
			logger.Warn("failed to disconnect target", "error", err)
		}
	}
}

// deliverCommit delivers a single commit to one binding's target.
// Returns true on success or an intentional skip (bozofilter, dedup),
// false on a genuine delivery failure.
func deliverCommit(ctx context.Context, b Binding, ref feed.CommitRef, wasFailing bool, summary *Summary, logger *slog.Logger) bool {
	raw, err := b.Feed.MessageAtCommit(ctx, ref)
	if err != nil {
		var stateErr *korgaerr.State
		if errors.As(err, &stateErr) {
			// Missing "m" file: a non-message commit, not a failure.
			return true
		}
		logger.Error("failed to read message", "delivery", b.Name, "commit", ref, "error", err)
		_ = b.Feed.MarkFailedDelivery(b.Name, ref, "", "", wasFailing)
		summary.Failed[b.Name]++
		return false
	}

	msg := rawmsg.New(raw)
	subject, _ := msg.Subject()
	msgID, _ := msg.MessageID()

	if err := b.Target.Connect(ctx); err != nil {
		logger.Error("failed to connect target", "delivery", b.Name, "error", err)
		_ = b.Feed.MarkFailedDelivery(b.Name, ref, subject, msgID, wasFailing)
		summary.Failed[b.Name]++
		return false
	}

	if b.Bozofilter != nil {
		header, herr := msg.Header()
		if herr == nil && b.Bozofilter.Blocks(header.Get("From")) {
			_ = b.Feed.MarkSuccessfulDelivery(b.Name, ref, subject, msgID, wasFailing)
			summary.Skipped[b.Name]++
			return true
		}
	}

	deliverable, err := msg.AsBytes(b.Feed.Key(), b.Name)
	if err != nil {
		logger.Error("failed to render message", "delivery", b.Name, "error", err)
		_ = b.Feed.MarkFailedDelivery(b.Name, ref, subject, msgID, wasFailing)
		summary.Failed[b.Name]++
		return false
	}

	result, err := b.Target.ImportMessage(ctx, deliverable, effectiveLabels(b))
	if err != nil {
		logger.Error("delivery failed", "delivery", b.Name, "commit", ref, "error", err)
		if err := b.Feed.MarkFailedDelivery(b.Name, ref, subject, msgID, wasFailing); err != nil {
			logger.Error("failed to record failure", "delivery", b.Name, "error", err)
		}
		summary.Failed[b.Name]++
		return false
	}

	if err := b.Feed.MarkSuccessfulDelivery(b.Name, ref, subject, msgID, wasFailing); err != nil {
		logger.Error("failed to record success", "delivery", b.Name, "error", err)
	}
	if result.Skipped {
		summary.Skipped[b.Name]++
	} else {
		summary.Delivered[b.Name]++
	}
	return true
}

// effectiveLabels uses the delivery's configured labels when set, falling
// back to the target's own default labels otherwise.
func effectiveLabels(b Binding) []string {
	if len(b.Labels) > 0 {
		return b.Labels
	}
	return b.Target.DefaultLabels()
}
