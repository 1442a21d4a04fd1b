// Package model defines the persisted resource model: projects, nodes and
// their nics, switches and ports, networks and their attachments, the
// networking-action work queue, and the VLAN pool table.
package model

import (
	"time"
)

// Action types.
const (
	ActionConnect = "connect"
	ActionDetach  = "detach"
	ActionRevert  = "revert_port"
)

// Action statuses. PENDING is the only non-terminal state.
const (
	StatusPending = "PENDING"
	StatusDone    = "DONE"
	StatusError   = "ERROR"
)

// ChannelNative is the untagged channel of a trunk port.
const ChannelNative = "vlan/native"

// UnknownMAC is recorded for nics registered without an address.
const UnknownMAC = "Unknown"

// Project owns nodes and networks and may be granted access to others.
type Project struct {
	ID    uint   `gorm:"primaryKey"`
	Label string `gorm:"size:64;not null;uniqueIndex"`

	Nodes    []Node    `gorm:"foreignKey:ProjectID"`
	Networks []Network `gorm:"foreignKey:OwnerID"`
}

// Node is a physical machine. ProjectID is nil while the node is free.
type Node struct {
	ID        uint   `gorm:"primaryKey"`
	Label     string `gorm:"size:64;not null;uniqueIndex"`
	ProjectID *uint  `gorm:"index"`

	Project  *Project
	Nics     []Nic      `gorm:"foreignKey:NodeID"`
	Metadata []Metadata `gorm:"foreignKey:NodeID"`
}

// Metadata is one free-form label/value pair on a node.
type Metadata struct {
	ID     uint   `gorm:"primaryKey"`
	NodeID uint   `gorm:"not null;uniqueIndex:idx_metadata_node_label"`
	Label  string `gorm:"size:64;not null;uniqueIndex:idx_metadata_node_label"`
	Value  string `gorm:"type:text"`
}

// TableName pins the table name.
func (Metadata) TableName() string { return "metadata" }

// Nic belongs to one node. Its port binding lives on Port.NicID.
type Nic struct {
	ID      uint   `gorm:"primaryKey"`
	NodeID  uint   `gorm:"not null;uniqueIndex:idx_nic_node_label"`
	Label   string `gorm:"size:64;not null;uniqueIndex:idx_nic_node_label"`
	MacAddr string `gorm:"size:64"`

	Node        *Node
	Port        *Port               `gorm:"foreignKey:NicID"`
	Attachments []NetworkAttachment `gorm:"foreignKey:NicID"`
}

// Switch is a managed switch. Type names the driver family.
type Switch struct {
	ID        uint   `gorm:"primaryKey"`
	Label     string `gorm:"size:64;not null;uniqueIndex"`
	Type      string `gorm:"size:32;not null"`
	Hostname  string `gorm:"size:255"`
	Port      int
	Username  string `gorm:"size:64"`
	Password  string `gorm:"size:255"`
	DummyVLAN int    `gorm:"column:dummy_vlan"`

	Ports []Port `gorm:"foreignKey:SwitchID"`
}

// Port is a switch interface. NicID is unique, so a port carries at most
// one nic and a nic sits on at most one port.
type Port struct {
	ID       uint   `gorm:"primaryKey"`
	SwitchID uint   `gorm:"not null;uniqueIndex:idx_port_switch_label"`
	Label    string `gorm:"size:64;not null;uniqueIndex:idx_port_switch_label"`
	NicID    *uint  `gorm:"uniqueIndex"`

	Switch *Switch
	Nic    *Nic
}

// Network is a VLAN-isolated network. OwnerID is nil for admin-owned
// networks. Allocated marks a NetworkID drawn from the VLAN pool, which is
// returned on delete.
type Network struct {
	ID        uint   `gorm:"primaryKey"`
	Label     string `gorm:"size:64;not null;uniqueIndex"`
	OwnerID   *uint  `gorm:"index"`
	NetworkID string `gorm:"size:32;not null"`
	Allocated bool

	Owner  *Project
	Access []Project `gorm:"many2many:network_access"`
}

// NetworkAttachment records a nic joined to a network on one channel. The
// (nic, channel) pair is unique.
type NetworkAttachment struct {
	ID        uint   `gorm:"primaryKey"`
	NicID     uint   `gorm:"not null;uniqueIndex:idx_attachment_nic_channel"`
	Channel   string `gorm:"size:32;not null;uniqueIndex:idx_attachment_nic_channel"`
	NetworkID uint   `gorm:"not null;index"`

	Nic     *Nic
	Network *Network
}

// NetworkingAction is one requested switch change. Seq orders the queue;
// UUID is the handle returned to callers.
type NetworkingAction struct {
	Seq       uint64 `gorm:"primaryKey;autoIncrement"`
	UUID      string `gorm:"column:uuid;size:36;not null;uniqueIndex"`
	Type      string `gorm:"size:16;not null"`
	Status    string `gorm:"size:16;not null;index"`
	PortID    uint   `gorm:"not null;index"`
	NicID     *uint
	NetworkID *uint
	Channel   string `gorm:"size:32"`
	Error     string `gorm:"type:text"`
	// ClaimedBy names the apply run driving the action. A claim older
	// than the queue's lease may be taken over.
	ClaimedBy string `gorm:"size:128;not null;default:''"`
	ClaimedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time

	Port    *Port
	Nic     *Nic
	Network *Network
}

// VLAN is one id of the allocator pool.
type VLAN struct {
	VLANID    int  `gorm:"column:vlan_id;primaryKey;autoIncrement:false"`
	Available bool `gorm:"not null;index"`
}

// TableName pins the pool table name.
func (VLAN) TableName() string { return "vlan_pool" }

// All lists every model in migration order.
func All() []interface{} {
	return []interface{}{
		&Project{},
		&Node{},
		&Metadata{},
		&Nic{},
		&Switch{},
		&Port{},
		&Network{},
		&NetworkAttachment{},
		&NetworkingAction{},
		&VLAN{},
	}
}
