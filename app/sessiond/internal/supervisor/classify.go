package supervisor

import (
	"github.com/lk2023060901/msghub/app/sessiond/internal/protocol"
)

// Outcome 断开原因的处置结果
type Outcome int

const (
	// OutcomeRetry 瞬时故障，自动重连
	OutcomeRetry Outcome = iota
	// OutcomeTerminal 凭证已失效，进入终态，禁止重试
	OutcomeTerminal
)

// disconnectOutcomes 断开原因 -> 处置的唯一显式映射
// 重连决策只看这张表，不做异常文本匹配
var disconnectOutcomes = map[protocol.DisconnectCause]Outcome{
	protocol.CauseNetwork:            OutcomeRetry,
	protocol.CauseRestartRequested:   OutcomeRetry,
	protocol.CauseConnectionReplaced: OutcomeRetry,
	protocol.CauseLoggedOut:          OutcomeTerminal,
	protocol.CauseCredentialsRevoked: OutcomeTerminal,
	protocol.CauseBanned:             OutcomeTerminal,
}

// ClassifyDisconnect 判定断开原因的处置
// 未知原因按瞬时故障处理：凭证失效类事件协议层总会显式上报
func ClassifyDisconnect(cause protocol.DisconnectCause) Outcome {
	if outcome, ok := disconnectOutcomes[cause]; ok {
		return outcome
	}
	return OutcomeRetry
}
