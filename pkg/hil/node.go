package hil

import (
	"gorm.io/gorm"

	"github.com/hil-network/hil/pkg/model"
	"github.com/hil-network/hil/pkg/util"
)

// NodeRegister adds a free node.
func (s *Service) NodeRegister(name string) error {
	if err := validate("node", name); err != nil {
		return err
	}
	return s.transaction(func(tx *gorm.DB) error {
		dup, err := exists(tx, &model.Node{}, "label = ?", name)
		if err != nil {
			return err
		}
		if dup {
			return util.NewConflictError("node "+name, "already exists")
		}
		return tx.Create(&model.Node{Label: name}).Error
	})
}

// NodeDelete removes a free node without nics, together with its metadata.
func (s *Service) NodeDelete(name string) error {
	if err := validate("node", name); err != nil {
		return err
	}
	return s.transaction(func(tx *gorm.DB) error {
		n, err := findNode(tx, name)
		if err != nil {
			return err
		}
		var children []string
		if n.Project != nil {
			children = append(children, "project "+n.Project.Label)
		}
		var nics []model.Nic
		if err := tx.Where("node_id = ?", n.ID).Find(&nics).Error; err != nil {
			return err
		}
		for _, l := range labels(nics, func(n model.Nic) string { return n.Label }) {
			children = append(children, "nic "+l)
		}
		if len(children) > 0 {
			return util.NewBlockingChildError("node "+name, children...)
		}
		if err := tx.Where("node_id = ?", n.ID).Delete(&model.Metadata{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.Node{}, n.ID).Error
	})
}

// NodeRegisterNic adds a nic to a node. An empty mac is recorded as
// "Unknown".
func (s *Service) NodeRegisterNic(node, nic, mac string) error {
	if err := validate("node", node, "nic", nic); err != nil {
		return err
	}
	if mac == "" {
		mac = model.UnknownMAC
	}
	return s.transaction(func(tx *gorm.DB) error {
		n, err := findNode(tx, node)
		if err != nil {
			return err
		}
		dup, err := exists(tx, &model.Nic{}, "node_id = ? AND label = ?", n.ID, nic)
		if err != nil {
			return err
		}
		if dup {
			return util.NewConflictError("nic "+node+"/"+nic, "already exists")
		}
		return tx.Create(&model.Nic{NodeID: n.ID, Label: nic, MacAddr: mac}).Error
	})
}

// NodeDeleteNic removes a nic that is off every port and network.
func (s *Service) NodeDeleteNic(node, nic string) error {
	if err := validate("node", node, "nic", nic); err != nil {
		return err
	}
	return s.transaction(func(tx *gorm.DB) error {
		n, err := findNode(tx, node)
		if err != nil {
			return err
		}
		ni, err := findNic(tx, n, nic)
		if err != nil {
			return err
		}
		children, err := blockers(tx, []model.Nic{*ni})
		if err != nil {
			return err
		}
		if ni.Port != nil {
			children = append([]string{"port " + portLabel(ni.Port)}, children...)
		}
		if len(children) > 0 {
			return util.NewBlockingChildError("nic "+node+"/"+nic, children...)
		}
		return tx.Delete(&model.Nic{}, ni.ID).Error
	})
}

// NodeShow describes a node, its nics and their networks, and its
// metadata.
func (s *Service) NodeShow(name string) (*NodeInfo, error) {
	if err := validate("node", name); err != nil {
		return nil, err
	}
	n, err := findNode(s.db, name)
	if err != nil {
		return nil, err
	}
	info := &NodeInfo{Name: n.Label, Nics: []NicInfo{}, Metadata: Metadata{}}
	if n.Project != nil {
		label := n.Project.Label
		info.Project = &label
	}

	var nics []model.Nic
	if err := s.db.Preload("Port.Switch").Where("node_id = ?", n.ID).Order("label").Find(&nics).Error; err != nil {
		return nil, err
	}
	for _, nic := range nics {
		ni := NicInfo{Label: nic.Label, MacAddr: nic.MacAddr}
		if nic.Port != nil {
			port := nic.Port.Label
			ni.Port = &port
			if nic.Port.Switch != nil {
				sw := nic.Port.Switch.Label
				ni.Switch = &sw
			}
		}
		if ni.Networks, err = nicAttachments(s.db, nic.ID); err != nil {
			return nil, err
		}
		info.Nics = append(info.Nics, ni)
	}

	var md []model.Metadata
	if err := s.db.Where("node_id = ?", n.ID).Order("id").Find(&md).Error; err != nil {
		return nil, err
	}
	for _, m := range md {
		info.Metadata = append(info.Metadata, MetadataEntry{Label: m.Label, Value: m.Value})
	}
	return info, nil
}

// NodeList lists node names, sorted. filter is "free" or "all".
func (s *Service) NodeList(filter string) ([]string, error) {
	tx := s.db.Model(&model.Node{})
	switch filter {
	case NodesAll:
	case NodesFree:
		tx = tx.Where("project_id IS NULL")
	default:
		return nil, util.NewValidationError(`node filter must be "free" or "all"`)
	}
	var nodes []model.Node
	if err := tx.Find(&nodes).Error; err != nil {
		return nil, err
	}
	return labels(nodes, func(n model.Node) string { return n.Label }), nil
}

// NodeSetMetadata sets label on a node, overwriting an existing value in
// place.
func (s *Service) NodeSetMetadata(node, label, value string) error {
	if err := validate("node", node, "metadata", label); err != nil {
		return err
	}
	return s.transaction(func(tx *gorm.DB) error {
		n, err := findNode(tx, node)
		if err != nil {
			return err
		}
		found, err := exists(tx, &model.Metadata{}, "node_id = ? AND label = ?", n.ID, label)
		if err != nil {
			return err
		}
		if found {
			return tx.Model(&model.Metadata{}).
				Where("node_id = ? AND label = ?", n.ID, label).
				Update("value", value).Error
		}
		return tx.Create(&model.Metadata{NodeID: n.ID, Label: label, Value: value}).Error
	})
}

// NodeDeleteMetadata removes label from a node.
func (s *Service) NodeDeleteMetadata(node, label string) error {
	if err := validate("node", node, "metadata", label); err != nil {
		return err
	}
	return s.transaction(func(tx *gorm.DB) error {
		n, err := findNode(tx, node)
		if err != nil {
			return err
		}
		res := tx.Where("node_id = ? AND label = ?", n.ID, label).Delete(&model.Metadata{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return util.NewNotFoundError("metadata", node+"/"+label)
		}
		return nil
	})
}

func portLabel(p *model.Port) string {
	if p.Switch != nil {
		return p.Switch.Label + "/" + p.Label
	}
	return p.Label
}
