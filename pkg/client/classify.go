package client

import "time"

// Upstream error codes with dedicated handling. Everything else falls into
// the generic retry branch.
const (
	codeInvalidGrant             = "invalid_grant"
	codeAuthCodeInvalid          = "AuthorizationCodeInvalid"
	codeEndpointThrottleExceeded = "PerEndpointRequestThrottleExceeded"
	codeBabelClientTimeout       = "DestinyDirectBabelClientTimeout"
	codeGroupMembershipNotFound  = "GroupMembershipNotFound"
	codeItemNotFound             = "DestinyItemNotFound"
	codePrivacyRestriction       = "DestinyPrivacyRestriction"
	codeClanDisallowsInvites     = "ClanTargetDisallowsInvites"
	codeAuthRecordRevoked        = "AuthorizationRecordRevoked"
)

// Action tells the retry loop what to do with a classified response.
// Exactly one of Success, Fatal != "" or Retry holds.
type Action struct {
	// Success means the response can be returned to the caller.
	Success bool

	// Fatal names the typed error to return; the loop must stop.
	Fatal ErrorKind

	// Retry means sleep Delay and try again, bounded by maxTries.
	Retry bool
	Delay time.Duration

	// Jitter adds 1-2s on top of Delay (upstream-specified throttles).
	Jitter bool

	// Expected marks retries that are part of normal operation and get
	// logged at warn rather than error.
	Expected bool
}

// Classify maps an upstream (status, error code) pair onto a recovery
// action. throttleSeconds is the upstream-specified wait, used only for
// throttle classifications.
func Classify(status int, errorStatus string, throttleSeconds float64) Action {
	if status == 200 {
		return Action{Success: true}
	}

	if status == 401 || errorStatus == codeInvalidGrant || errorStatus == codeAuthCodeInvalid {
		return Action{Fatal: KindUnauthorized}
	}

	switch status {
	case 404:
		return Action{Fatal: KindBadRequest}
	case 429:
		return Action{Retry: true, Delay: 2 * time.Second, Expected: true}
	case 400:
		return Action{Fatal: KindUpstreamDown}
	case 503:
		return Action{Retry: true, Delay: 10 * time.Second}
	}

	switch errorStatus {
	case codeEndpointThrottleExceeded, codeBabelClientTimeout:
		return Action{Retry: true, Delay: time.Duration(throttleSeconds * float64(time.Second)), Jitter: true, Expected: true}
	case codeGroupMembershipNotFound:
		return Action{Fatal: KindGroupMembershipNotFound}
	case codeItemNotFound:
		return Action{Fatal: KindItemNotFound}
	case codePrivacyRestriction:
		return Action{Fatal: KindPrivacyRestriction}
	case codeClanDisallowsInvites:
		return Action{Fatal: KindClanTargetDisallowsInvites}
	case codeAuthRecordRevoked:
		return Action{Fatal: KindNoToken}
	}

	return Action{Retry: true, Delay: 2 * time.Second}
}
