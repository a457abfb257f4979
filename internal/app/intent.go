package app

import "github.com/1ureka/chitchat/internal/session"

// IntentKind names a user action.
type IntentKind string

const (
	IntentStart  IntentKind = "start"
	IntentLeave  IntentKind = "leave"
	IntentSend   IntentKind = "send"
	IntentNext   IntentKind = "next"
	IntentReport IntentKind = "report"
)

// Intent is one user action. Text is the message for send and the reason for
// report.
type Intent struct {
	Kind IntentKind
	Text string
}

// dispatch forwards in to the controller. Unknown kinds are ignored.
func dispatch(ctrl *session.Controller, in Intent) bool {
	switch in.Kind {
	case IntentStart:
		ctrl.Start()
	case IntentLeave:
		ctrl.Leave()
	case IntentSend:
		ctrl.Send(in.Text)
	case IntentNext:
		ctrl.Next()
	case IntentReport:
		ctrl.Report(in.Text)
	default:
		return false
	}
	return true
}
