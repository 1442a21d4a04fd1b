// Package vlanpool hands out VLAN ids to networks from a configured range.
//
// Issued ids are tracked in the vlan_pool table and every mutation takes the
// caller's transaction, so allocating or freeing an id commits or rolls back
// together with the Network row that owns it.
package vlanpool

import (
	"errors"
	"fmt"
	"strconv"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hil-network/hil/pkg/model"
	"github.com/hil-network/hil/pkg/util"
)

// ErrNotIssued is returned by Free for an id that is in the pool but not
// currently allocated. It indicates an accounting bug in the caller.
var ErrNotIssued = errors.New("vlan id is not issued")

// Pool is the set of VLAN ids available to networks.
type Pool struct {
	vlans   []int
	inRange map[int]bool
}

// New parses a range specification such as "1001-1040, 2000".
func New(spec string) (*Pool, error) {
	vlans, err := util.ExpandVLANRange(spec)
	if err != nil {
		return nil, fmt.Errorf("vlan pool %q: %w", spec, err)
	}
	if len(vlans) == 0 {
		return nil, fmt.Errorf("vlan pool %q is empty", spec)
	}
	p := &Pool{vlans: vlans, inRange: make(map[int]bool, len(vlans))}
	for _, v := range vlans {
		p.inRange[v] = true
	}
	return p, nil
}

// String renders the configured range compactly, e.g. "1001-1040,2000".
func (p *Pool) String() string {
	return util.CompactRange(p.vlans)
}

// Size is the number of ids in the configured range.
func (p *Pool) Size() int {
	return len(p.vlans)
}

// Contains reports whether id belongs to the configured range.
func (p *Pool) Contains(id int) bool {
	return p.inRange[id]
}

// Populate inserts a row for every configured id that has none yet. Rows
// already present keep their state, so it is safe on every start.
func (p *Pool) Populate(db *gorm.DB) error {
	rows := make([]model.VLAN, 0, len(p.vlans))
	for _, v := range p.vlans {
		rows = append(rows, model.VLAN{VLANID: v, Available: true})
	}
	err := db.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rows, 200).Error
	if err != nil {
		return fmt.Errorf("populating vlan pool: %w", err)
	}
	return nil
}

// Allocate issues the smallest available id.
func (p *Pool) Allocate(tx *gorm.DB) (int, error) {
	var row model.VLAN
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("available = ?", true).
		Order("vlan_id").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, &util.ResourceExhaustedError{Pool: "vlan pool"}
	}
	if err != nil {
		return 0, fmt.Errorf("allocating vlan: %w", err)
	}

	res := tx.Model(&model.VLAN{}).
		Where("vlan_id = ? AND available = ?", row.VLANID, true).
		Update("available", false)
	if res.Error != nil {
		return 0, fmt.Errorf("allocating vlan %d: %w", row.VLANID, res.Error)
	}
	if res.RowsAffected != 1 {
		return 0, util.NewConflictError(fmt.Sprintf("vlan %d", row.VLANID), "allocated concurrently")
	}
	return row.VLANID, nil
}

// Claim marks an administrator-chosen id as issued. Ids outside the pool
// belong to externally managed networks and are accepted as-is.
func (p *Pool) Claim(tx *gorm.DB, id int) error {
	if !p.Contains(id) {
		return nil
	}
	res := tx.Model(&model.VLAN{}).
		Where("vlan_id = ? AND available = ?", id, true).
		Update("available", false)
	if res.Error != nil {
		return fmt.Errorf("claiming vlan %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return util.NewConflictError(fmt.Sprintf("vlan %d", id), "already in use")
	}
	return nil
}

// Free returns an issued id to the pool. Ids outside the pool are ignored.
func (p *Pool) Free(tx *gorm.DB, id int) error {
	if !p.Contains(id) {
		return nil
	}
	res := tx.Model(&model.VLAN{}).
		Where("vlan_id = ? AND available = ?", id, false).
		Update("available", true)
	if res.Error != nil {
		return fmt.Errorf("freeing vlan %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("freeing vlan %d: %w", id, ErrNotIssued)
	}
	return nil
}

// Issued lists the ids currently allocated or claimed, ascending.
func (p *Pool) Issued(db *gorm.DB) ([]int, error) {
	var ids []int
	err := db.Model(&model.VLAN{}).
		Where("available = ?", false).
		Order("vlan_id").
		Pluck("vlan_id", &ids).Error
	return ids, err
}

// ValidateNetworkID checks an administrator-supplied network id.
func ValidateNetworkID(netID string) (int, error) {
	id, err := strconv.Atoi(netID)
	if err != nil {
		return 0, util.NewValidationError(fmt.Sprintf("network id %q is not a VLAN number", netID))
	}
	if err := util.ValidateVLANID(id); err != nil {
		return 0, util.NewValidationError(err.Error())
	}
	return id, nil
}

// DefaultChannel is used when a connect request names no channel.
func DefaultChannel() string {
	return model.ChannelNative
}

// LegalChannels lists the channels a nic may use to join netID: untagged,
// or tagged with the network's own VLAN.
func LegalChannels(netID string) []string {
	return []string{model.ChannelNative, "vlan/" + netID}
}

// IsLegalChannel reports whether channel may carry netID.
func IsLegalChannel(channel, netID string) bool {
	for _, c := range LegalChannels(netID) {
		if c == channel {
			return true
		}
	}
	return false
}
