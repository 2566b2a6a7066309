package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/wsgate/gateway/internal/rdp"
)

// Info describes one websocket client and the RDP session it drives.
type Info struct {
	ID          string     `json:"id"`
	RemoteAddr  string     `json:"remoteAddr"`
	Host        string     `json:"host,omitempty"`
	Port        int        `json:"port,omitempty"`
	User        string     `json:"user,omitempty"`
	Domain      string     `json:"domain,omitempty"`
	State       rdp.State  `json:"state"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ConnectedAt *time.Time `json:"connectedAt,omitempty"`
}

// NewID returns a fresh session identifier.
func NewID() string {
	return uuid.NewString()
}

// Clone returns a deep copy of the Info.
func (i *Info) Clone() *Info {
	c := *i
	if i.ConnectedAt != nil {
		t := *i.ConnectedAt
		c.ConnectedAt = &t
	}
	return &c
}

// SetState records a state change at now. Entering Connected stamps
// ConnectedAt; leaving it clears the stamp.
func (i *Info) SetState(st rdp.State, now time.Time) {
	i.State = st
	i.UpdatedAt = now
	if st == rdp.Connected {
		t := now
		i.ConnectedAt = &t
	} else {
		i.ConnectedAt = nil
	}
}
