package session

// NoticeKind classifies what the shell should render.
type NoticeKind int

const (
	NoticeLog     NoticeKind = iota // controller activity
	NoticeStatus                    // Text is the new Status
	NoticeChannel                   // Text is the data channel state
	NoticePeer                      // chat text from the peer over the data channel
	NoticeRelay                     // chat text from the peer over the relay
	NoticeSelf                      // chat text this client sent
	NoticeError                     // a user action failed
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeStatus:
		return "status"
	case NoticeChannel:
		return "datachannel"
	case NoticePeer:
		return "peer"
	case NoticeRelay:
		return "relay"
	case NoticeSelf:
		return "me"
	case NoticeError:
		return "error"
	default:
		return "log"
	}
}

// Notice is one line for the shell.
type Notice struct {
	Kind NoticeKind
	Text string
}
