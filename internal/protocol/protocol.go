package protocol

import "encoding/json"

const Version = "1.0"

// Feed message kinds, carried in the "msg" field.
const (
	MsgInitial   = "initial"
	MsgUpdate    = "update"
	MsgStatus    = "status"
	MsgGetStatus = "get_status"
)

// BaseMessage lets us route feed messages by kind.
type BaseMessage struct {
	Msg string `json:"msg"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// StatusAndID pairs an identity with its snapshot. A nil Status means the
// identity's snapshot was erased.
type StatusAndID struct {
	ID     Identity  `json:"id"`
	Status *Snapshot `json:"status"`
}

// InitialMsg is sent once per connection with every known snapshot of the group.
type InitialMsg struct {
	Msg     string        `json:"msg"`
	Results []StatusAndID `json:"results"`
}

type UpdateMsg struct {
	Msg  string      `json:"msg"`
	Data StatusAndID `json:"data"`
}

// StatusMsg reports how many clients are subscribed to the same group.
type StatusMsg struct {
	Msg         string `json:"msg"`
	Connections int    `json:"connections"`
}

type GetStatusMsg struct {
	Msg string `json:"msg"`
}

// SubmitRequest is the body of POST /api/submit.
type SubmitRequest struct {
	ID        Identity  `json:"id"`
	Anonymous bool      `json:"anonymous"`
	Status    *Snapshot `json:"status"`
}

type ShareMember struct {
	AbbreviatedName string   `json:"abbreviatedName"`
	ID              Identity `json:"id"`
}

// ShareRequest is the body of POST /api/share.
type ShareRequest struct {
	Members []ShareMember `json:"members"`
}

type ShareResponse struct {
	OK  bool   `json:"ok"`
	URL string `json:"url,omitempty"`
}

// ShareLookup is returned by GET /api/share/{token}.
type ShareLookup struct {
	OK      bool          `json:"ok"`
	Members []ShareMember `json:"members,omitempty"`
}

// ErrorResponse is written by the relay for any non-2xx reply.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Member is one entry of the host's group membership list.
type Member struct {
	ID   Identity
	Name string
}
