package session

import "github.com/ehrlich-b/perch/internal/gate"

// MultiNotifier fans each notification out to every member in order.
type MultiNotifier []Notifier

func (m MultiNotifier) SessionUpdate(info Info) {
	for _, n := range m {
		n.SessionUpdate(info)
	}
}

func (m MultiNotifier) Messages(sessionID string, msgs []Message) {
	for _, n := range m {
		n.Messages(sessionID, msgs)
	}
}

func (m MultiNotifier) Stream(sessionID, messageID, token string) {
	for _, n := range m {
		n.Stream(sessionID, messageID, token)
	}
}

func (m MultiNotifier) StreamEnd(sessionID, messageID string) {
	for _, n := range m {
		n.StreamEnd(sessionID, messageID)
	}
}

func (m MultiNotifier) ApprovalRequest(sessionID string, req *gate.Request) {
	for _, n := range m {
		n.ApprovalRequest(sessionID, req)
	}
}

func (m MultiNotifier) Question(sessionID string, q *gate.Question) {
	for _, n := range m {
		n.Question(sessionID, q)
	}
}

func (m MultiNotifier) Result(sessionID string, res TurnResult) {
	for _, n := range m {
		n.Result(sessionID, res)
	}
}

func (m MultiNotifier) SessionError(sessionID, message string) {
	for _, n := range m {
		n.SessionError(sessionID, message)
	}
}

func (m MultiNotifier) ModelsList(sessionID string, models []string) {
	for _, n := range m {
		n.ModelsList(sessionID, models)
	}
}

func (m MultiNotifier) AuthAlert(userID, status, message string) {
	for _, n := range m {
		n.AuthAlert(userID, status, message)
	}
}
