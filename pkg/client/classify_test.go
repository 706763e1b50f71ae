package client

import (
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name            string
		status          int
		errorStatus     string
		throttleSeconds float64
		want            Action
	}{
		{
			name:   "success 200",
			status: 200,
			want:   Action{Success: true},
		},
		{
			name:   "unauthorized 401",
			status: 401,
			want:   Action{Fatal: KindUnauthorized},
		},
		{
			name:        "invalid grant",
			status:      400,
			errorStatus: codeInvalidGrant,
			want:        Action{Fatal: KindUnauthorized},
		},
		{
			name:        "authorization code invalid",
			status:      500,
			errorStatus: codeAuthCodeInvalid,
			want:        Action{Fatal: KindUnauthorized},
		},
		{
			name:   "not found 404",
			status: 404,
			want:   Action{Fatal: KindBadRequest},
		},
		{
			name:   "rate limited 429",
			status: 429,
			want:   Action{Retry: true, Delay: 2 * time.Second, Expected: true},
		},
		{
			name:   "generic bad request means upstream down",
			status: 400,
			want:   Action{Fatal: KindUpstreamDown},
		},
		{
			name:   "overloaded 503",
			status: 503,
			want:   Action{Retry: true, Delay: 10 * time.Second},
		},
		{
			name:            "endpoint throttle uses upstream delay",
			status:          500,
			errorStatus:     codeEndpointThrottleExceeded,
			throttleSeconds: 35,
			want:            Action{Retry: true, Delay: 35 * time.Second, Jitter: true, Expected: true},
		},
		{
			name:        "babel timeout uses upstream delay",
			status:      500,
			errorStatus: codeBabelClientTimeout,
			want:        Action{Retry: true, Jitter: true, Expected: true},
		},
		{
			name:        "group membership not found",
			status:      500,
			errorStatus: codeGroupMembershipNotFound,
			want:        Action{Fatal: KindGroupMembershipNotFound},
		},
		{
			name:        "item not found",
			status:      500,
			errorStatus: codeItemNotFound,
			want:        Action{Fatal: KindItemNotFound},
		},
		{
			name:        "privacy restriction",
			status:      500,
			errorStatus: codePrivacyRestriction,
			want:        Action{Fatal: KindPrivacyRestriction},
		},
		{
			name:        "clan disallows invites",
			status:      500,
			errorStatus: codeClanDisallowsInvites,
			want:        Action{Fatal: KindClanTargetDisallowsInvites},
		},
		{
			name:        "auth record revoked",
			status:      500,
			errorStatus: codeAuthRecordRevoked,
			want:        Action{Fatal: KindNoToken},
		},
		{
			name:        "anything else retries",
			status:      500,
			errorStatus: "SystemDisabled",
			want:        Action{Retry: true, Delay: 2 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.status, tt.errorStatus, tt.throttleSeconds)
			if got != tt.want {
				t.Errorf("Classify(%d, %q, %v) = %+v, want %+v",
					tt.status, tt.errorStatus, tt.throttleSeconds, got, tt.want)
			}
		})
	}
}

func TestIsKind(t *testing.T) {
	err := &APIError{Kind: KindUpstreamDown, Status: 400}

	if !IsUpstreamDown(err) {
		t.Error("IsUpstreamDown = false for KindUpstreamDown")
	}
	if IsKind(err, KindNoToken) {
		t.Error("IsKind(KindNoToken) = true for KindUpstreamDown")
	}
	if IsUpstreamDown(nil) {
		t.Error("IsUpstreamDown(nil) = true")
	}
}
