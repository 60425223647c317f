package target

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeToken(t *testing.T, path string, tok *oauth2.Token) {
	t.Helper()
	data, err := json.Marshal(tok)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func TestGmailTargetLoadCredentialsWithFreshToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token.json")
	writeToken(t, path, &oauth2.Token{
		AccessToken:  "access",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(time.Hour),
	})

	gt := &GmailTarget{ClientID: "id", ClientSecret: "secret", TokenFile: path}
	src, err := gt.loadCredentials(context.Background())
	require.NoError(t, err)

	tok, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, "access", tok.AccessToken)
}

func TestGmailTargetLoadCredentialsMissingFile(t *testing.T) {
	gt := &GmailTarget{TokenFile: "/nonexistent/token.json"}
	_, err := gt.loadCredentials(context.Background())
	assert.Error(t, err)
}

func TestGmailTargetLoadCredentialsMissingFileInteractive(t *testing.T) {
	gt := &GmailTarget{TokenFile: "/nonexistent/token.json", Interactive: true}
	_, err := gt.loadCredentials(context.Background())
	assert.Error(t, err)
}

func TestGmailTargetLoadCredentialsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	gt := &GmailTarget{TokenFile: path}
	_, err := gt.loadCredentials(context.Background())
	assert.Error(t, err)
}

func TestGmailTargetPersistTokenRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token.json")
	gt := &GmailTarget{TokenFile: path}

	gt.persistToken(&oauth2.Token{AccessToken: "abc", Expiry: time.Now().Add(time.Hour)})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var tok oauth2.Token
	require.NoError(t, json.Unmarshal(data, &tok))
	assert.Equal(t, "abc", tok.AccessToken)
}

func TestGmailTargetTranslateLabelsSkipsUnknownNames(t *testing.T) {
	gt := &GmailTarget{}
	gt.labelIDs = map[string]string{"INBOX": "Label_1", "Archive": "Label_2"}

	assert.Equal(t, []string{"Label_1"}, gt.translateLabels([]string{"INBOX", "Unknown"}))
}

func TestBoolToInternalDateSource(t *testing.T) {
	assert.Equal(t, "receivedTime", boolToInternalDateSource(true))
	assert.Equal(t, "dateHeader", boolToInternalDateSource(false))
}

func TestGmailTargetConnectIsIdempotentWhenAlreadyConnected(t *testing.T) {
	// With t.service already populated, Connect must return before ever
	// trying to load credentials or reach the network, unlike a
	// ClientID-less target which would otherwise fail loadCredentials.
	gt := &GmailTarget{service: &gmailapi.Service{}}
	assert.NoError(t, gt.Connect(context.Background()))
}

func TestGmailTargetDefaultLabels(t *testing.T) {
	gt := &GmailTarget{Labels: []string{"a", "b"}}
	assert.Equal(t, []string{"a", "b"}, gt.DefaultLabels())
}
