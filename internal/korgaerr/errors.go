// Package korgaerr defines the typed error taxonomy shared across korgalore's
// git, feed, target and tracking layers. Every exported error is a typed
// struct that wraps an optional cause, so callers can classify failures with
// errors.As (and match the cause with errors.Is) without parsing strings.
package korgaerr

import "fmt"

// Configuration indicates a problem with config.toml, conf.d fragments, or
// the values loaded from them (missing field, unreadable file, bad folder
// name, unknown delivery kind).
type Configuration struct {
	Msg string
	Err error
}

func (e *Configuration) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("configuration: %s", e.Msg)
}

func (e *Configuration) Unwrap() error { return e.Err }

// NewConfiguration builds a Configuration error.
func NewConfiguration(msg string, err error) error {
	return &Configuration{Msg: msg, Err: err}
}

// Git indicates a failure from the underlying git plumbing: clone, fetch,
// commit walk, or blob read.
type Git struct {
	Msg string
	Err error
}

func (e *Git) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("git: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("git: %s", e.Msg)
}

func (e *Git) Unwrap() error { return e.Err }

func NewGit(msg string, err error) error {
	return &Git{Msg: msg, Err: err}
}

// PublicInbox indicates a failure specific to public-inbox semantics: a
// manifest that can't be parsed or an epoch whose layout is unexpected. A
// commit without the "m" blob is reported as State, not PublicInbox.
type PublicInbox struct {
	Msg string
	Err error
}

func (e *PublicInbox) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("public-inbox: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("public-inbox: %s", e.Msg)
}

func (e *PublicInbox) Unwrap() error { return e.Err }

func NewPublicInbox(msg string, err error) error {
	return &PublicInbox{Msg: msg, Err: err}
}

// State indicates the on-disk feed/delivery state (korgalore.feed,
// korgalore.<delivery>.info, tracking.json) is missing, unreadable, or
// internally inconsistent, or that a commit carries no "m" message blob.
type State struct {
	Msg string
	Err error
}

func (e *State) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("state: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("state: %s", e.Msg)
}

func (e *State) Unwrap() error { return e.Err }

func NewState(msg string, err error) error {
	return &State{Msg: msg, Err: err}
}

// Remote indicates a failure talking to a remote service: the manifest
// endpoint, a lei query, or a delivery target's server (IMAP dial, JMAP,
// Gmail API). Failures against an epoch git remote are reported as Git.
type Remote struct {
	Msg string
	Err error
}

func (e *Remote) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remote: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("remote: %s", e.Msg)
}

func (e *Remote) Unwrap() error { return e.Err }

func NewRemote(msg string, err error) error {
	return &Remote{Msg: msg, Err: err}
}

// Authentication indicates a delivery target rejected or could not obtain
// credentials. TargetID and TargetType identify which delivery and which
// kind of target (imap, jmap, gmail, ...) failed, mirroring the original
// exception's (target_id, target_type) attributes so operators can locate
// the offending conf.d entry.
type Authentication struct {
	Msg        string
	TargetID   string
	TargetType string
	Err        error
}

func (e *Authentication) Error() string {
	tt := e.TargetType
	if tt == "" {
		tt = "gmail"
	}
	if e.Err != nil {
		return fmt.Sprintf("authentication: %s (target=%s type=%s): %v", e.Msg, e.TargetID, tt, e.Err)
	}
	return fmt.Sprintf("authentication: %s (target=%s type=%s)", e.Msg, e.TargetID, tt)
}

func (e *Authentication) Unwrap() error { return e.Err }

// NewAuthentication builds an Authentication error. An empty targetType is
// stored as given; Error() prints it as "gmail".
func NewAuthentication(msg, targetID, targetType string, err error) error {
	return &Authentication{Msg: msg, TargetID: targetID, TargetType: targetType, Err: err}
}

// Delivery indicates a delivery target failed to accept a message after
// authentication succeeded: IMAP APPEND failure, pipe command nonzero exit,
// Maildir write failure.
type Delivery struct {
	Msg string
	Err error
}

func (e *Delivery) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("delivery: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("delivery: %s", e.Msg)
}

func (e *Delivery) Unwrap() error { return e.Err }

func NewDelivery(msg string, err error) error {
	return &Delivery{Msg: msg, Err: err}
}
