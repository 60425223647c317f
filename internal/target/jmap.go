package target

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"korgalore/internal/korgaerr"
)

// JMAPTarget delivers messages to a JMAP (RFC 8620/8621) mail server.
// No dedicated JMAP client library exists in the surveyed ecosystem, so
// this is built directly on net/http + encoding/json, matching JMAP's
// nature as a plain bearer-authenticated JSON-over-HTTP protocol rather
// than something requiring a binary codec or connection state machine.
type JMAPTarget struct {
	SessionURL string
	Bearer     string
	Mailbox    string // mailbox name to import into, resolved to an id at Connect

	Labels []string

	client    *http.Client
	apiURL    string
	accountID string
	mailboxID string
	uploadURL string
}

func (t *JMAPTarget) DefaultLabels() []string { return t.Labels }

type jmapSession struct {
	APIURL          string            `json:"apiUrl"`
	UploadURL       string            `json:"uploadUrl"`
	PrimaryAccounts map[string]string `json:"primaryAccounts"`
}

func (t *JMAPTarget) doJSON(ctx context.Context, method, url string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return korgaerr.NewDelivery("marshal jmap request", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return korgaerr.NewRemote("build jmap request", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.Bearer)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return korgaerr.NewRemote(fmt.Sprintf("jmap request to %s", url), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return korgaerr.NewAuthentication("jmap request rejected", t.SessionURL, "jmap", fmt.Errorf("status %s", resp.Status))
	}
	if resp.StatusCode >= 300 {
		return korgaerr.NewRemote(fmt.Sprintf("jmap request to %s returned %s", url, resp.Status), nil)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return korgaerr.NewRemote("decode jmap response", err)
		}
	}
	return nil
}

// Connect performs session discovery and resolves the configured mailbox
// name to its JMAP id via Mailbox/query. Connect is idempotent: once a
// mailbox id has been resolved, later calls are a no-op rather than
// repeating session discovery for every message delivered in a cycle.
func (t *JMAPTarget) Connect(ctx context.Context) error {
	if t.mailboxID != "" {
		return nil
	}

	if t.client == nil {
		t.client = &http.Client{Timeout: 60 * time.Second}
	}

	var session jmapSession
	if err := t.doJSON(ctx, http.MethodGet, t.SessionURL, nil, &session); err != nil {
		return err
	}
	t.apiURL = session.APIURL
	t.uploadURL = session.UploadURL
	accountID, ok := session.PrimaryAccounts["urn:ietf:params:jmap:mail"]
	if !ok {
		return korgaerr.NewConfiguration("jmap session has no mail account", nil)
	}
	t.accountID = accountID

	call := map[string]any{
		"using": []string{"urn:ietf:params:jmap:core", "urn:ietf:params:jmap:mail"},
		"methodCalls": []any{
			[]any{"Mailbox/query", map[string]any{
				"accountId": accountID,
				"filter":    map[string]any{"name": t.Mailbox},
			}, "0"},
		},
	}
	var resp struct {
		MethodResponses []any `json:"methodResponses"`
	}
	if err := t.doJSON(ctx, http.MethodPost, t.apiURL, call, &resp); err != nil {
		return err
	}
	mailboxID, err := extractFirstMailboxID(resp.MethodResponses)
	if err != nil {
		return korgaerr.NewConfiguration(fmt.Sprintf("jmap mailbox %q not found", t.Mailbox), err)
	}
	t.mailboxID = mailboxID
	return nil
}

func extractFirstMailboxID(responses []any) (string, error) {
	for _, r := range responses {
		arr, ok := r.([]any)
		if !ok || len(arr) < 2 {
			continue
		}
		body, ok := arr[1].(map[string]any)
		if !ok {
			continue
		}
		ids, ok := body["ids"].([]any)
		if !ok || len(ids) == 0 {
			continue
		}
		id, ok := ids[0].(string)
		if ok {
			return id, nil
		}
	}
	return "", fmt.Errorf("no mailbox id in response")
}

type jmapUploadResponse struct {
	BlobID string `json:"blobId"`
}

// ImportMessage uploads the raw message as a blob, then calls
// Email/import referencing that blob and the resolved mailbox id,
// treating an "alreadyExists" SetError as a skip rather than a failure.
func (t *JMAPTarget) ImportMessage(ctx context.Context, raw []byte, labels []string) (Result, error) {
	uploadURL := strings.ReplaceAll(t.uploadURL, "{accountId}", t.accountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(raw))
	if err != nil {
		return Result{}, korgaerr.NewRemote("build jmap upload request", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.Bearer)
	req.Header.Set("Content-Type", "message/rfc822")
	resp, err := t.client.Do(req)
	if err != nil {
		return Result{}, korgaerr.NewRemote("jmap blob upload", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Result{}, korgaerr.NewDelivery(fmt.Sprintf("jmap blob upload returned %s", resp.Status), nil)
	}
	var upload jmapUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&upload); err != nil {
		return Result{}, korgaerr.NewRemote("decode jmap upload response", err)
	}

	keywords := map[string]bool{}
	for _, l := range labels {
		keywords["$"+l] = true
	}

	call := map[string]any{
		"using": []string{"urn:ietf:params:jmap:core", "urn:ietf:params:jmap:mail"},
		"methodCalls": []any{
			[]any{"Email/import", map[string]any{
				"accountId": t.accountID,
				"emails": map[string]any{
					"m1": map[string]any{
						"blobId":     upload.BlobID,
						"mailboxIds": map[string]bool{t.mailboxID: true},
						"keywords":   keywords,
					},
				},
			}, "0"},
		},
	}
	var resp2 struct {
		MethodResponses []any `json:"methodResponses"`
	}
	if err := t.doJSON(ctx, http.MethodPost, t.apiURL, call, &resp2); err != nil {
		return Result{}, err
	}
	if alreadyExists(resp2.MethodResponses) {
		return Result{Skipped: true}, nil
	}
	return Result{}, nil
}

func alreadyExists(responses []any) bool {
	for _, r := range responses {
		arr, ok := r.([]any)
		if !ok || len(arr) < 2 {
			continue
		}
		body, ok := arr[1].(map[string]any)
		if !ok {
			continue
		}
		notCreated, ok := body["notCreated"].(map[string]any)
		if !ok {
			continue
		}
		for _, v := range notCreated {
			entry, ok := v.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := entry["type"].(string); t == "alreadyExists" {
				return true
			}
		}
	}
	return false
}
