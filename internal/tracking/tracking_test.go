package tracking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(dir)
	require.NoError(t, err)

	th := m.AddThread("<root@example.org>", "subject", "imap-archive", []string{"tracked"}, "/var/lei/abc")
	require.NotEmpty(t, th.TrackID)
	require.NoError(t, m.Save())

	reloaded, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, reloaded.Threads, 1)
	assert.Equal(t, th.TrackID, reloaded.Threads[0].TrackID)
	assert.Equal(t, StatusActive, reloaded.Threads[0].Status)
}

func TestCheckAndExpireThreadsTransitionsStaleActive(t *testing.T) {
	m := &Manifest{Version: ManifestVersion}
	th := m.AddThread("<a@example.org>", "s", "t", nil, "")
	th.LastActivity = time.Now().Add(-ExpireAfter - time.Hour)

	expired := m.CheckAndExpireThreads()
	require.Len(t, expired, 1)
	assert.Equal(t, StatusInactive, m.GetThread(th.TrackID).Status)
}

func TestCheckAndExpireThreadsSkipsPaused(t *testing.T) {
	m := &Manifest{Version: ManifestVersion}
	th := m.AddThread("<a@example.org>", "s", "t", nil, "")
	th.LastActivity = time.Now().Add(-ExpireAfter - time.Hour)
	m.PauseThread(th.TrackID)

	expired := m.CheckAndExpireThreads()
	assert.Empty(t, expired)
}

func TestUpdateActivityReactivatesInactiveThread(t *testing.T) {
	m := &Manifest{Version: ManifestVersion}
	th := m.AddThread("<a@example.org>", "s", "t", nil, "")
	th.Status = StatusInactive

	m.UpdateActivity(th.TrackID, 2)
	updated := m.GetThread(th.TrackID)
	assert.Equal(t, StatusActive, updated.Status)
	assert.Equal(t, 2, updated.MessageCount)
}

func TestRemoveThread(t *testing.T) {
	m := &Manifest{Version: ManifestVersion}
	th := m.AddThread("<a@example.org>", "s", "t", nil, "")
	assert.True(t, m.RemoveThread(th.TrackID))
	assert.Nil(t, m.GetThread(th.TrackID))
}
