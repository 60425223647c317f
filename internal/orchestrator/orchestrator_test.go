package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"korgalore/internal/feed"
	"korgalore/internal/korgaerr"
	"korgalore/internal/target"
)

type fakeFeed struct {
	key          string
	commits      []feed.CommitRef
	messages     map[string][]byte
	delivered    []feed.CommitRef
	failed       []feed.CommitRef
	failedQueue  []feed.CommitRef
	updateStatus feed.Status
	anchored     []feed.CommitRef
}

func (f *fakeFeed) Key() string { return f.key }

func (f *fakeFeed) UpdateFeed(ctx context.Context) (feed.Status, error) {
	return f.updateStatus, nil
}

func (f *fakeFeed) LatestCommitsForDelivery(ctx context.Context, delivery string) ([]feed.CommitRef, error) {
	return f.commits, nil
}

func (f *fakeFeed) MessageAtCommit(ctx context.Context, ref feed.CommitRef) ([]byte, error) {
	msg, ok := f.messages[ref.Commit]
	if !ok {
		return nil, korgaerr.NewState("missing m blob", nil)
	}
	return msg, nil
}

func (f *fakeFeed) MarkSuccessfulDelivery(delivery string, ref feed.CommitRef, subject, msgid string, wasFailing bool) error {
	f.delivered = append(f.delivered, ref)
	return nil
}

func (f *fakeFeed) MarkFailedDelivery(delivery string, ref feed.CommitRef, subject, msgid string, wasFailing bool) error {
	f.failed = append(f.failed, ref)
	if !wasFailing && (subject != "" || msgid != "") {
		f.anchored = append(f.anchored, ref)
	}
	return nil
}

func (f *fakeFeed) FailedCommitsForDelivery(delivery string) ([]feed.CommitRef, error) {
	return f.failedQueue, nil
}

func (f *fakeFeed) Lock(ctx context.Context) error { return nil }
func (f *fakeFeed) Unlock() error                  { return nil }

func (f *fakeFeed) InitializeDeliveryCursor(delivery string, fromStart bool) error { return nil }

type fakeTarget struct {
	imported     [][]byte
	failNext     bool
	disconnected bool
}

func (t *fakeTarget) Connect(ctx context.Context) error { return nil }

func (t *fakeTarget) ImportMessage(ctx context.Context, raw []byte, labels []string) (target.Result, error) {
	if t.failNext {
		return target.Result{}, assertErr
	}
	t.imported = append(t.imported, raw)
	return target.Result{}, nil
}

func (t *fakeTarget) DefaultLabels() []string { return nil }

func (t *fakeTarget) Disconnect(ctx context.Context) error {
	t.disconnected = true
	return nil
}

var assertErr = &korgaerr.Delivery{Msg: "boom"}

func TestRunCycleDeliversNewCommitsOnUpdatedFeed(t *testing.T) {
	f := &fakeFeed{
		key:          "lkml",
		updateStatus: feed.Updated,
		commits:      []feed.CommitRef{{Epoch: 0, Commit: "c1"}},
		messages: map[string][]byte{
			"c1": []byte("Subject: hi\r\nMessage-Id: <a@b>\r\nFrom: dev@example.org\r\n\r\nbody\r\n"),
		},
	}
	tgt := &fakeTarget{}
	o := &Orchestrator{
		Bindings: []Binding{{Name: "lkml-imap", Feed: f, Target: tgt, Labels: []string{"lkml"}}},
	}

	summary, err := o.RunCycle(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Delivered["lkml-imap"])
	require.Len(t, f.delivered, 1)
	assert.True(t, tgt.disconnected)
}

func TestRunCycleInvokesOnCommitPerAttempt(t *testing.T) {
	f := &fakeFeed{
		key:          "lkml",
		updateStatus: feed.Updated,
		commits:      []feed.CommitRef{{Epoch: 0, Commit: "c1"}, {Epoch: 0, Commit: "c2"}},
		messages: map[string][]byte{
			"c1": []byte("Subject: hi\r\nMessage-Id: <a@b>\r\nFrom: dev@example.org\r\n\r\nbody\r\n"),
			"c2": []byte("Subject: again\r\nMessage-Id: <c@d>\r\nFrom: dev@example.org\r\n\r\nbody\r\n"),
		},
	}
	tgt := &fakeTarget{}
	o := &Orchestrator{
		Bindings: []Binding{{Name: "lkml-imap", Feed: f, Target: tgt, Labels: []string{"lkml"}}},
	}

	var seen []string
	_, err := o.RunCycle(context.Background(), Options{
		OnCommit: func(delivery string) { seen = append(seen, delivery) },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"lkml-imap", "lkml-imap"}, seen)
}

func TestRunCycleSkipsMissingMessageBlobWithoutFailure(t *testing.T) {
	f := &fakeFeed{
		key:          "lkml",
		updateStatus: feed.Updated,
		commits:      []feed.CommitRef{{Epoch: 0, Commit: "missing"}},
		messages:     map[string][]byte{},
	}
	tgt := &fakeTarget{}
	o := &Orchestrator{
		Bindings: []Binding{{Name: "lkml-imap", Feed: f, Target: tgt}},
	}

	summary, err := o.RunCycle(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Failed["lkml-imap"])
	assert.Empty(t, f.failed)
}

func TestRunCycleSkipsDeliveriesOnUnchangedFeed(t *testing.T) {
	f := &fakeFeed{
		key:          "lkml",
		updateStatus: feed.NoChange,
		commits:      []feed.CommitRef{{Epoch: 0, Commit: "c1"}},
		messages: map[string][]byte{
			"c1": []byte("Subject: hi\r\nMessage-Id: <a@b>\r\n\r\nbody\r\n"),
		},
	}
	tgt := &fakeTarget{}
	o := &Orchestrator{
		Bindings: []Binding{{Name: "lkml-imap", Feed: f, Target: tgt}},
	}

	summary, err := o.RunCycle(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Delivered["lkml-imap"])
	assert.Empty(t, tgt.imported)
}

func TestRunCycleForceRunsEvenWithoutUpdate(t *testing.T) {
	f := &fakeFeed{
		key:          "lkml",
		updateStatus: feed.NoChange,
		commits:      []feed.CommitRef{{Epoch: 0, Commit: "c1"}},
		messages: map[string][]byte{
			"c1": []byte("Subject: hi\r\nMessage-Id: <a@b>\r\n\r\nbody\r\n"),
		},
	}
	tgt := &fakeTarget{}
	o := &Orchestrator{
		Bindings: []Binding{{Name: "lkml-imap", Feed: f, Target: tgt}},
	}

	summary, err := o.RunCycle(context.Background(), Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Delivered["lkml-imap"])
}
