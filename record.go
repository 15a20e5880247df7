package pktcount

import "time"

// AttachmentRecord is what the manager persists about a live
// attachment. It exists so that a later process can find and reclaim
// kernel state left behind by one that died without detaching.
type AttachmentRecord struct {
	ID        string     `json:"id"`
	Interface string     `json:"interface"`
	Ifindex   int        `json:"ifindex"`
	Netns     string     `json:"netns,omitempty"`
	Nsid      uint64     `json:"nsid"`
	Mode      AttachMode `json:"mode"`
	Backend   Backend    `json:"backend"`
	ProgramID uint32     `json:"program_id"`
	MapID     uint32     `json:"map_id"`
	LinkID    uint32     `json:"link_id,omitempty"`
	MapPin    string     `json:"map_pin,omitempty"`
	OwnerPID  int        `json:"owner_pid"`
	Source    string     `json:"source"`
	CreatedAt time.Time  `json:"created_at"`
}

// Status is a point-in-time view of a control process, suitable for
// reporting over the control surfaces.
type Status struct {
	State     State            `json:"-"`
	StateName string           `json:"state"`
	Record    AttachmentRecord `json:"attachment"`
	Count     uint64           `json:"count"`
	LastRead  time.Time        `json:"last_read"`
	LastError string           `json:"last_error,omitempty"`
}
