package client

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a terminal API failure. Transient conditions are
// absorbed by the retry loop and never surface as a kind.
type ErrorKind string

const (
	// KindUnauthorized covers HTTP 401 and invalid/expired OAuth grants.
	KindUnauthorized ErrorKind = "unauthorized"

	// KindBadRequest covers HTTP 404, typically a player with no stats.
	KindBadRequest ErrorKind = "bad_request"

	// KindUpstreamDown covers generic HTTP 400 responses, which Bungie
	// returns during outages. Pipelines treat this as a graceful stop.
	KindUpstreamDown ErrorKind = "upstream_down"

	// KindItemNotFound means the player does not own the requested item.
	KindItemNotFound ErrorKind = "item_not_found"

	// KindGroupMembershipNotFound means the player is not in the clan.
	KindGroupMembershipNotFound ErrorKind = "group_membership_not_found"

	// KindPrivacyRestriction means the player's profile is private.
	KindPrivacyRestriction ErrorKind = "privacy_restriction"

	// KindClanTargetDisallowsInvites means the player blocks clan invites.
	KindClanTargetDisallowsInvites ErrorKind = "clan_target_disallows_invites"

	// KindNoToken means the stored refresh token was revoked and the
	// caller must invalidate the player's credentials.
	KindNoToken ErrorKind = "no_token"

	// KindUnknown is returned after maxTries attempts without a terminal
	// classification.
	KindUnknown ErrorKind = "unknown"
)

// ErrContextCancelled is returned when the context is cancelled while
// waiting between attempts.
var ErrContextCancelled = errors.New("context cancelled")

// APIError is a terminal, typed upstream failure.
type APIError struct {
	Kind        ErrorKind
	Status      int
	ErrorStatus string
	Message     string
	Route       string
}

func (e *APIError) Error() string {
	if e.ErrorStatus != "" {
		return fmt.Sprintf("bungie %s error (status %d, %q): %s", e.Kind, e.Status, e.ErrorStatus, e.Message)
	}
	return fmt.Sprintf("bungie %s error (status %d): %s", e.Kind, e.Status, e.Message)
}

// IsKind reports whether err is an *APIError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// IsUpstreamDown reports whether err means the upstream API is having an
// outage. Callers stop their current run cleanly instead of failing.
func IsUpstreamDown(err error) bool {
	return IsKind(err, KindUpstreamDown)
}
