package supervisor

import (
	"testing"

	"github.com/lk2023060901/msghub/app/sessiond/internal/protocol"
)

func TestClassifyDisconnect(t *testing.T) {
	cases := []struct {
		cause protocol.DisconnectCause
		want  Outcome
	}{
		// 瞬时故障：带凭证重连
		{protocol.CauseNetwork, OutcomeRetry},
		{protocol.CauseRestartRequested, OutcomeRetry},
		{protocol.CauseConnectionReplaced, OutcomeRetry},
		// 凭证失效：终止会话
		{protocol.CauseLoggedOut, OutcomeTerminal},
		{protocol.CauseCredentialsRevoked, OutcomeTerminal},
		{protocol.CauseBanned, OutcomeTerminal},
	}

	for _, tc := range cases {
		if got := ClassifyDisconnect(tc.cause); got != tc.want {
			t.Errorf("ClassifyDisconnect(%q) = %v, want %v", tc.cause, got, tc.want)
		}
	}
}

func TestClassifyDisconnectUnknownCause(t *testing.T) {
	// 未知原因按瞬时故障处理，倾向保住会话
	if got := ClassifyDisconnect(protocol.DisconnectCause("solar-flare")); got != OutcomeRetry {
		t.Errorf("unknown cause should map to retry, got %v", got)
	}
}
