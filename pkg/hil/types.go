package hil

import (
	"bytes"
	"encoding/json"
)

// ============================================================================
// Constants
// ============================================================================

// OwnerAdmin is the owner name of networks no project owns.
const OwnerAdmin = "admin"

// Node list filters.
const (
	NodesFree = "free"
	NodesAll  = "all"
)

// ProjectsAll disables the project filter of ListNetworkAttachments.
const ProjectsAll = "all"

// ============================================================================
// Request Types
// ============================================================================

// SwitchParams are the connection parameters of a switch being registered.
type SwitchParams struct {
	Hostname  string `json:"hostname"`
	Port      int    `json:"port,omitempty"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
	DummyVLAN int    `json:"dummy_vlan,omitempty"`
}

// ============================================================================
// Result Types
// ============================================================================

// NodeInfo is the result of NodeShow.
type NodeInfo struct {
	Name     string    `json:"name"`
	Project  *string   `json:"project"`
	Nics     []NicInfo `json:"nics"`
	Metadata Metadata  `json:"metadata"`
}

// NicInfo describes one nic of a node. Port and Switch are nil for a nic
// not wired to a switch.
type NicInfo struct {
	Label    string            `json:"label"`
	MacAddr  string            `json:"macaddr"`
	Port     *string           `json:"port"`
	Switch   *string           `json:"switch"`
	Networks map[string]string `json:"networks"`
}

// MetadataEntry is one label/value pair on a node.
type MetadataEntry struct {
	Label string
	Value string
}

// Metadata keeps node metadata in insertion order. It serializes as a
// JSON object with the keys in that order.
type Metadata []MetadataEntry

func (m Metadata) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(e.Label)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Get returns the value of label.
func (m Metadata) Get(label string) (string, bool) {
	for _, e := range m {
		if e.Label == label {
			return e.Value, true
		}
	}
	return "", false
}

// SwitchInfo is the result of SwitchShow.
type SwitchInfo struct {
	Name         string   `json:"name"`
	Ports        []string `json:"ports"`
	Capabilities []string `json:"capabilities"`
}

// PortInfo is the result of PortShow. A port with no nic serializes as {}.
type PortInfo struct {
	Node     string            `json:"node"`
	Nic      string            `json:"nic"`
	Networks map[string]string `json:"networks"`
}

func (p PortInfo) MarshalJSON() ([]byte, error) {
	if p.Nic == "" {
		return []byte("{}"), nil
	}
	type plain PortInfo
	return json.Marshal(plain(p))
}

// NetworkInfo is the result of NetworkShow. Access lists the owner first.
type NetworkInfo struct {
	Name           string              `json:"name"`
	Owner          string              `json:"owner"`
	Access         []string            `json:"access"`
	Channels       []string            `json:"channels"`
	ConnectedNodes map[string][]string `json:"connected-nodes"`
}

// NetworkSummary is one entry of NetworkList.
type NetworkSummary struct {
	NetworkID string   `json:"network_id"`
	Projects  []string `json:"projects"`
}

// AttachmentInfo is one entry of ListNetworkAttachments, keyed by node.
type AttachmentInfo struct {
	Project string `json:"project"`
	Nic     string `json:"nic"`
	Channel string `json:"channel"`
}

// ActionRef is returned by the calls that queue a networking action.
type ActionRef struct {
	StatusID string `json:"status_id"`
}
