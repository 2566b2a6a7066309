package ws

import "encoding/json"

type MessageType string

// Client → gateway message types. Gateway → client traffic is plain status
// text such as "E:Could not connect to RDP backend.".
const (
	MsgConnect       MessageType = "connect"
	MsgDisconnect    MessageType = "disconnect"
	MsgSync          MessageType = "sync"
	MsgKey           MessageType = "key"
	MsgUnicode       MessageType = "unicode"
	MsgMouse         MessageType = "mouse"
	MsgExtendedMouse MessageType = "emouse"
)

type WSMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ConnectPayload struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	User     string `json:"user"`
	Domain   string `json:"domain,omitempty"`
	Password string `json:"pass,omitempty"`
}

type SyncPayload struct {
	Flags uint32 `json:"flags"`
}

// KeyPayload carries a scancode for "key" or a UTF-16 code unit for
// "unicode".
type KeyPayload struct {
	Flags uint16 `json:"flags"`
	Code  uint16 `json:"code"`
}

type MousePayload struct {
	Flags uint16 `json:"flags"`
	X     uint16 `json:"x"`
	Y     uint16 `json:"y"`
}
