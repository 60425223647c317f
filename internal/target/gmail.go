package target

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"korgalore/internal/korgaerr"
)

// gmailScopes mirrors the source's GmailTarget.SCOPES: labels are read
// to translate names to ids, and gmail.insert is required for
// messages.import (it never sends, only inserts into the mailbox as if
// received).
var gmailScopes = []string{
	gmailapi.GmailLabelsScope,
	gmailapi.GmailInsertScope,
}

// GmailTarget delivers messages into a Gmail mailbox via
// users.messages.import, translating configured label names to ids once
// per connection. Credentials are a standard oauth2.Token persisted as
// JSON (adapted from the local get-gmail-token helper's output), with
// the same refresh-failure handling as the source: a refresh error
// renames the token file with a .invalid suffix so the next run
// surfaces an authentication failure instead of looping silently.
type GmailTarget struct {
	ClientID     string
	ClientSecret string
	TokenFile    string
	Labels       []string

	// Interactive decides how a missing token file is reported: as an
	// Authentication error (so the CLI can fall back to the browser flow)
	// when set, as a Configuration error otherwise. A failed token refresh
	// is an Authentication error either way.
	Interactive bool

	mu        sync.Mutex
	service   *gmailapi.Service
	tokSource oauth2.TokenSource
	labelIDs  map[string]string
}

func (t *GmailTarget) DefaultLabels() []string { return t.Labels }

func (t *GmailTarget) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     t.ClientID,
		ClientSecret: t.ClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  "http://localhost:8090/callback",
		Scopes:       gmailScopes,
	}
}

func (t *GmailTarget) loadCredentials(ctx context.Context) (oauth2.TokenSource, error) {
	data, err := os.ReadFile(t.TokenFile)
	if err != nil {
		if t.Interactive {
			return nil, korgaerr.NewAuthentication("no token file; interactive reauthentication required", t.ClientID, "gmail", err)
		}
		return nil, korgaerr.NewConfiguration(fmt.Sprintf("read gmail token file %s", t.TokenFile), err)
	}

	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, korgaerr.NewState(fmt.Sprintf("parse gmail token file %s", t.TokenFile), err)
	}

	src := t.oauthConfig().TokenSource(ctx, &tok)
	fresh, err := src.Token()
	if err != nil {
		invalidPath := t.TokenFile + ".invalid"
		_ = os.Rename(t.TokenFile, invalidPath)
		if t.Interactive {
			return nil, korgaerr.NewAuthentication("token refresh failed, reauthentication required", t.ClientID, "gmail", err)
		}
		return nil, korgaerr.NewAuthentication("token refresh failed", t.ClientID, "gmail", err)
	}
	if fresh.AccessToken != tok.AccessToken {
		t.persistToken(fresh)
	}
	return oauth2.StaticTokenSource(fresh), nil
}

func (t *GmailTarget) persistToken(tok *oauth2.Token) {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(t.TokenFile, data, 0o600)
}

// Connect loads/refreshes the stored OAuth2 token, builds the Gmail API
// service, and caches a label name → id translation table from one
// users.labels.list call. Connect is idempotent: once a service is
// built, later calls are a no-op rather than re-listing labels for
// every message delivered in a cycle.
func (t *GmailTarget) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.service != nil {
		return nil
	}

	src, err := t.loadCredentials(ctx)
	if err != nil {
		return err
	}
	t.tokSource = src

	svc, err := gmailapi.NewService(ctx, option.WithTokenSource(src))
	if err != nil {
		return korgaerr.NewRemote("build gmail service", err)
	}
	t.service = svc

	labels, err := svc.Users.Labels.List("me").Context(ctx).Do()
	if err != nil {
		return korgaerr.NewRemote("list gmail labels", err)
	}
	ids := make(map[string]string, len(labels.Labels))
	for _, l := range labels.Labels {
		ids[l.Name] = l.Id
	}
	t.labelIDs = ids
	return nil
}

// Reauthenticate drives the full OAuth2 browser/local-callback flow and
// persists the resulting token, for use by the `korgalore auth` CLI
// subcommand rather than the normal pull cycle.
func (t *GmailTarget) Reauthenticate(ctx context.Context, authorize func(authURL string) (code string, err error)) error {
	cfg := t.oauthConfig()
	authURL := cfg.AuthCodeURL("state", oauth2.AccessTypeOffline)
	code, err := authorize(authURL)
	if err != nil {
		return korgaerr.NewAuthentication("interactive authorization failed", t.ClientID, "gmail", err)
	}
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return korgaerr.NewAuthentication("exchange authorization code failed", t.ClientID, "gmail", err)
	}
	t.persistToken(tok)
	return nil
}

// translateLabels maps configured label names to Gmail label ids,
// skipping any name with no matching label (Gmail only understands ids
// it already knows about; korgalore does not create labels).
func (t *GmailTarget) translateLabels(names []string) []string {
	var ids []string
	for _, n := range names {
		if id, ok := t.labelIDs[n]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (t *GmailTarget) ImportMessage(ctx context.Context, raw []byte, labels []string) (Result, error) {
	encoded := base64.URLEncoding.EncodeToString(raw)
	msg := &gmailapi.Message{Raw: encoded, LabelIds: t.translateLabels(labels)}

	internalDateSource := false
	_, err := t.service.Users.Messages.Import("me", msg).
		InternalDateSource(boolToInternalDateSource(internalDateSource)).
		NeverMarkSpam(true).
		Context(ctx).Do()
	if err != nil {
		return Result{}, korgaerr.NewDelivery("gmail messages.import", err)
	}
	return Result{}, nil
}

func boolToInternalDateSource(useReceivedTime bool) string {
	if useReceivedTime {
		return "receivedTime"
	}
	return "dateHeader"
}
