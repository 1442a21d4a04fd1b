package hil

import (
	"fmt"
	"sort"
	"strconv"

	"gorm.io/gorm"

	"github.com/hil-network/hil/pkg/deferred"
	"github.com/hil-network/hil/pkg/model"
	"github.com/hil-network/hil/pkg/util"
	"github.com/hil-network/hil/pkg/vlanpool"
)

// NetworkCreate creates a network.
//
// owner is a project name or "admin". A project-owned network must list
// its owner as access and take its id from the pool. access is a project
// name or empty for none. An empty netID allocates from the pool; any
// other value is a VLAN id chosen by the administrator.
func (s *Service) NetworkCreate(name, owner, access, netID string) error {
	v := &util.ValidationBuilder{}
	v.AddErr(util.ValidateLabel("network", name))
	if owner != OwnerAdmin {
		v.AddErr(util.ValidateLabel("owner", owner))
		v.Add(access == owner, fmt.Sprintf("a network owned by %s must grant access to %s", owner, owner))
		v.Add(netID == "", "only admin-owned networks may choose a network id")
	}
	if access != "" {
		v.AddErr(util.ValidateLabel("access", access))
	}
	if err := v.Build(); err != nil {
		return err
	}

	return s.transaction(func(tx *gorm.DB) error {
		dup, err := exists(tx, &model.Network{}, "label = ?", name)
		if err != nil {
			return err
		}
		if dup {
			return util.NewConflictError("network "+name, "already exists")
		}

		net := model.Network{Label: name}
		if owner != OwnerAdmin {
			p, err := findProject(tx, owner)
			if err != nil {
				return err
			}
			net.OwnerID = &p.ID
		}
		var grantee *model.Project
		if access != "" {
			if grantee, err = findProject(tx, access); err != nil {
				return err
			}
		}

		if netID == "" {
			id, err := s.vlans.Allocate(tx)
			if err != nil {
				return err
			}
			net.NetworkID = strconv.Itoa(id)
			net.Allocated = true
		} else {
			id, err := vlanpool.ValidateNetworkID(netID)
			if err != nil {
				return err
			}
			net.NetworkID = strconv.Itoa(id)
			taken, err := exists(tx, &model.Network{}, "network_id = ?", net.NetworkID)
			if err != nil {
				return err
			}
			if taken {
				return util.NewConflictError("network id "+net.NetworkID, "already in use")
			}
			if err := s.vlans.Claim(tx, id); err != nil {
				return err
			}
			net.Allocated = s.vlans.Contains(id)
		}

		if err := tx.Create(&net).Error; err != nil {
			return fmt.Errorf("creating network %s: %w", name, err)
		}
		if grantee != nil {
			return tx.Model(&net).Association("Access").Append(grantee)
		}
		return nil
	})
}

// NetworkDelete removes a network no nic is on. An id drawn from the pool
// goes back to it.
func (s *Service) NetworkDelete(name string) error {
	if err := validate("network", name); err != nil {
		return err
	}
	return s.transaction(func(tx *gorm.DB) error {
		n, err := findNetwork(tx, name)
		if err != nil {
			return err
		}
		connected, err := s.connectedNodes(tx, n.ID)
		if err != nil {
			return err
		}
		var children []string
		for _, node := range sortedKeys(connected) {
			for _, nic := range connected[node] {
				children = append(children, "nic "+node+"/"+nic)
			}
		}
		busy, err := deferred.PendingOnNetwork(tx, n.ID)
		if err != nil {
			return err
		}
		if busy {
			children = append(children, "pending networking actions")
		}
		if len(children) > 0 {
			return util.NewBlockingChildError("network "+name, children...)
		}

		if n.Allocated {
			id, err := strconv.Atoi(n.NetworkID)
			if err != nil {
				return fmt.Errorf("network %s has malformed id %q", name, n.NetworkID)
			}
			if err := s.vlans.Free(tx, id); err != nil {
				return err
			}
		}
		if err := tx.Model(n).Association("Access").Clear(); err != nil {
			return err
		}
		return tx.Delete(&model.Network{}, n.ID).Error
	})
}

// NetworkShow describes a network and the nodes on it.
func (s *Service) NetworkShow(name string) (*NetworkInfo, error) {
	if err := validate("network", name); err != nil {
		return nil, err
	}
	n, err := findNetwork(s.db, name)
	if err != nil {
		return nil, err
	}
	info := &NetworkInfo{
		Name:     n.Label,
		Owner:    ownerName(n),
		Access:   accessNames(n),
		Channels: vlanpool.LegalChannels(n.NetworkID),
	}
	if info.ConnectedNodes, err = s.connectedNodes(s.db, n.ID); err != nil {
		return nil, err
	}
	return info, nil
}

// NetworkList maps every network to its id and the projects with access.
func (s *Service) NetworkList() (map[string]NetworkSummary, error) {
	var networks []model.Network
	if err := s.db.Preload("Access").Find(&networks).Error; err != nil {
		return nil, err
	}
	result := make(map[string]NetworkSummary, len(networks))
	for _, n := range networks {
		result[n.Label] = NetworkSummary{
			NetworkID: n.NetworkID,
			Projects:  labels(n.Access, func(p model.Project) string { return p.Label }),
		}
	}
	return result, nil
}

// NetworkGrantAccess lets a project attach its nodes to a network.
func (s *Service) NetworkGrantAccess(project, network string) error {
	if err := validate("project", project, "network", network); err != nil {
		return err
	}
	return s.transaction(func(tx *gorm.DB) error {
		p, err := findProject(tx, project)
		if err != nil {
			return err
		}
		n, err := findNetwork(tx, network)
		if err != nil {
			return err
		}
		if hasAccess(n, p.ID) {
			return util.NewConflictError("network "+network, "project "+project+" already has access")
		}
		return tx.Model(n).Association("Access").Append(p)
	})
}

// NetworkRevokeAccess withdraws a grant. The owner keeps its access, and
// a project with nodes still on the network cannot lose it.
func (s *Service) NetworkRevokeAccess(project, network string) error {
	if err := validate("project", project, "network", network); err != nil {
		return err
	}
	return s.transaction(func(tx *gorm.DB) error {
		p, err := findProject(tx, project)
		if err != nil {
			return err
		}
		n, err := findNetwork(tx, network)
		if err != nil {
			return err
		}
		if !hasAccess(n, p.ID) {
			return util.NewNotFoundError("access to network "+network, project)
		}
		if n.OwnerID != nil && *n.OwnerID == p.ID {
			return util.NewConflictError("network "+network, "the owner's access cannot be revoked")
		}

		var atts []model.NetworkAttachment
		err = tx.Preload("Nic.Node").
			Joins("JOIN nics ON nics.id = network_attachments.nic_id").
			Joins("JOIN nodes ON nodes.id = nics.node_id").
			Where("network_attachments.network_id = ? AND nodes.project_id = ?", n.ID, p.ID).
			Find(&atts).Error
		if err != nil {
			return err
		}
		if len(atts) > 0 {
			children := labels(atts, func(a model.NetworkAttachment) string {
				return "nic " + nicLabel(a.Nic)
			})
			return util.NewBlockingChildError("access of "+project+" to "+network, children...)
		}
		return tx.Model(n).Association("Access").Delete(p)
	})
}

// ListNetworkAttachments maps each node on a network to its project, nic
// and channel. project filters by the node's project; "all" lists every
// node.
func (s *Service) ListNetworkAttachments(network, project string) (map[string]AttachmentInfo, error) {
	if err := validate("network", network); err != nil {
		return nil, err
	}
	if project != ProjectsAll {
		if err := validate("project", project); err != nil {
			return nil, err
		}
	}
	n, err := findNetwork(s.db, network)
	if err != nil {
		return nil, err
	}
	tx := s.db.Preload("Nic.Node.Project").Where("network_attachments.network_id = ?", n.ID)
	if project != ProjectsAll {
		p, err := findProject(s.db, project)
		if err != nil {
			return nil, err
		}
		tx = tx.Joins("JOIN nics ON nics.id = network_attachments.nic_id").
			Joins("JOIN nodes ON nodes.id = nics.node_id").
			Where("nodes.project_id = ?", p.ID)
	}
	var atts []model.NetworkAttachment
	if err := tx.Order("network_attachments.id").Find(&atts).Error; err != nil {
		return nil, err
	}

	result := make(map[string]AttachmentInfo, len(atts))
	for _, a := range atts {
		if a.Nic == nil || a.Nic.Node == nil {
			continue
		}
		info := AttachmentInfo{Nic: a.Nic.Label, Channel: a.Channel}
		if a.Nic.Node.Project != nil {
			info.Project = a.Nic.Node.Project.Label
		}
		result[a.Nic.Node.Label] = info
	}
	return result, nil
}

// connectedNodes maps node label to the sorted labels of its nics on the
// network.
func (s *Service) connectedNodes(tx *gorm.DB, networkID uint) (map[string][]string, error) {
	var atts []model.NetworkAttachment
	if err := tx.Preload("Nic.Node").Where("network_id = ?", networkID).Find(&atts).Error; err != nil {
		return nil, fmt.Errorf("loading attachments: %w", err)
	}
	result := make(map[string][]string)
	for _, a := range atts {
		if a.Nic == nil || a.Nic.Node == nil {
			continue
		}
		result[a.Nic.Node.Label] = append(result[a.Nic.Node.Label], a.Nic.Label)
	}
	for _, nics := range result {
		sort.Strings(nics)
	}
	return result, nil
}

func ownerName(n *model.Network) string {
	if n.Owner == nil {
		return OwnerAdmin
	}
	return n.Owner.Label
}

// accessNames lists the projects with access, owner first.
func accessNames(n *model.Network) []string {
	names := labels(n.Access, func(p model.Project) string { return p.Label })
	if n.Owner == nil {
		return names
	}
	result := []string{n.Owner.Label}
	for _, name := range names {
		if name != n.Owner.Label {
			result = append(result, name)
		}
	}
	return result
}

func hasAccess(n *model.Network, projectID uint) bool {
	for _, p := range n.Access {
		if p.ID == projectID {
			return true
		}
	}
	return false
}
