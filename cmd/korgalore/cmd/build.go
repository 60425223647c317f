package cmd

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"korgalore/internal/bozofilter"
	"korgalore/internal/config"
	"korgalore/internal/feed"
	"korgalore/internal/korgaerr"
	"korgalore/internal/orchestrator"
	"korgalore/internal/target"
)

// buildBindings turns a loaded config plus the XDG data directory into the
// set of orchestrator.Binding values that drive one pull cycle. Feed and
// target instances are cached and shared across deliveries so each feed
// directory is only locked/opened once and each target connection is
// reused within a cycle.
func buildBindings(cfg *config.Config, dataDir string, bozo *bozofilter.Filter) ([]orchestrator.Binding, error) {
	feeds := map[string]feed.Feed{}
	targets := map[string]target.Target{}

	var bindings []orchestrator.Binding
	for name, d := range cfg.Deliveries {
		f, err := feedFor(feeds, cfg, dataDir, d.Feed)
		if err != nil {
			return nil, fmt.Errorf("delivery %s: %w", name, err)
		}
		t, err := targetFor(targets, cfg, d.Target)
		if err != nil {
			return nil, fmt.Errorf("delivery %s: %w", name, err)
		}
		bindings = append(bindings, orchestrator.Binding{
			Name:       name,
			Feed:       f,
			Target:     t,
			Labels:     d.Labels,
			Subfolder:  d.Subfolder,
			Bozofilter: bozo,
		})
	}
	return bindings, nil
}

func feedFor(cache map[string]feed.Feed, cfg *config.Config, dataDir, name string) (feed.Feed, error) {
	if f, ok := cache[name]; ok {
		return f, nil
	}
	fc, ok := cfg.Feeds[name]
	if !ok {
		return nil, korgaerr.NewConfiguration(fmt.Sprintf("delivery references unknown feed %q", name), nil)
	}
	dir := filepath.Join(dataDir, name)

	var f feed.Feed
	if strings.HasPrefix(fc.URL, "lei:") {
		leiPath := strings.TrimPrefix(fc.URL, "lei:")
		f = feed.NewSearchFeed(name, dir, []string{"lei", "up", leiPath})
	} else {
		listPath := strings.Trim(path.Base(fc.URL), "/")
		u, err := url.Parse(fc.URL)
		if err != nil {
			return nil, korgaerr.NewConfiguration(fmt.Sprintf("feed %q has invalid url %q", name, fc.URL), err)
		}
		manifestURL := fmt.Sprintf("%s://%s/manifest.js.gz", u.Scheme, u.Host)
		f = feed.NewArchiveFeed(name, dir, manifestURL, fc.URL, listPath, nil)
	}
	cache[name] = f
	return f, nil
}

func targetFor(cache map[string]target.Target, cfg *config.Config, name string) (target.Target, error) {
	if t, ok := cache[name]; ok {
		return t, nil
	}
	tc, ok := cfg.Targets[name]
	if !ok {
		return nil, korgaerr.NewConfiguration(fmt.Sprintf("delivery references unknown target %q", name), nil)
	}

	var t target.Target
	switch tc.Type {
	case "imap":
		auth := target.IMAPAuthPassword
		if tc.AuthType == "oauth2" {
			auth = target.IMAPAuthOAuth2
		}
		t = &target.IMAPTarget{
			Addr:         tc.Server,
			Username:     tc.Username,
			Folder:       tc.Folder,
			Auth:         auth,
			Password:     tc.Password,
			PasswordFile: tc.PasswordFile,
		}
	case "jmap":
		t = &target.JMAPTarget{
			SessionURL: tc.Server,
			Bearer:     tc.Token,
			Mailbox:    tc.Folder,
		}
	case "maildir":
		t = &target.MaildirTarget{
			Root: tc.Path,
		}
	case "pipe":
		t = &target.PipeTarget{
			Command: tc.Command,
		}
	case "gmail":
		t = &target.GmailTarget{
			ClientID:     tc.ClientID,
			ClientSecret: tc.ClientSecret,
			TokenFile:    tc.TokenFile,
		}
	default:
		return nil, korgaerr.NewConfiguration(fmt.Sprintf("target %q has unknown type %q", name, tc.Type), nil)
	}
	cache[name] = t
	return t, nil
}
