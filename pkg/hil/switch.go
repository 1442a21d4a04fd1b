package hil

import (
	"context"

	"gorm.io/gorm"

	"github.com/hil-network/hil/pkg/deferred"
	"github.com/hil-network/hil/pkg/model"
	"github.com/hil-network/hil/pkg/util"
)

// SwitchRegister adds a switch of the given type. The type's family checks
// the connection parameters.
func (s *Service) SwitchRegister(name, typ string, params SwitchParams) error {
	if err := validate("switch", name); err != nil {
		return err
	}
	sw := model.Switch{
		Label:     name,
		Type:      typ,
		Hostname:  params.Hostname,
		Port:      params.Port,
		Username:  params.Username,
		Password:  params.Password,
		DummyVLAN: params.DummyVLAN,
	}
	if err := s.switches.Validate(deferred.SwitchConfig(&sw)); err != nil {
		return err
	}
	return s.transaction(func(tx *gorm.DB) error {
		dup, err := exists(tx, &model.Switch{}, "label = ?", name)
		if err != nil {
			return err
		}
		if dup {
			return util.NewConflictError("switch "+name, "already exists")
		}
		return tx.Create(&sw).Error
	})
}

// SwitchDelete removes a switch with no registered ports.
func (s *Service) SwitchDelete(name string) error {
	if err := validate("switch", name); err != nil {
		return err
	}
	err := s.transaction(func(tx *gorm.DB) error {
		sw, err := findSwitch(tx, name)
		if err != nil {
			return err
		}
		var ports []model.Port
		if err := tx.Where("switch_id = ?", sw.ID).Find(&ports).Error; err != nil {
			return err
		}
		if len(ports) > 0 {
			children := labels(ports, func(p model.Port) string { return "port " + p.Label })
			return util.NewBlockingChildError("switch "+name, children...)
		}
		return tx.Delete(&model.Switch{}, sw.ID).Error
	})
	if err != nil {
		return err
	}
	s.queue.Pool().Forget(name)
	return nil
}

// SwitchRunningConfig reads a switch's running configuration over its
// pooled session. Families without a configuration dump are rejected.
func (s *Service) SwitchRunningConfig(ctx context.Context, name string) (string, error) {
	if err := validate("switch", name); err != nil {
		return "", err
	}
	sw, err := findSwitch(s.db, name)
	if err != nil {
		return "", err
	}
	return s.queue.Pool().RunningConfig(ctx, deferred.SwitchConfig(sw))
}

// SwitchShow lists a switch's ports and capabilities.
func (s *Service) SwitchShow(name string) (*SwitchInfo, error) {
	if err := validate("switch", name); err != nil {
		return nil, err
	}
	sw, err := findSwitch(s.db, name)
	if err != nil {
		return nil, err
	}
	var ports []model.Port
	if err := s.db.Where("switch_id = ?", sw.ID).Find(&ports).Error; err != nil {
		return nil, err
	}
	return &SwitchInfo{
		Name:         sw.Label,
		Ports:        labels(ports, func(p model.Port) string { return p.Label }),
		Capabilities: s.switches.Capabilities(deferred.SwitchConfig(sw)),
	}, nil
}

// SwitchList returns every switch name, sorted.
func (s *Service) SwitchList() ([]string, error) {
	var all []model.Switch
	if err := s.db.Find(&all).Error; err != nil {
		return nil, err
	}
	return labels(all, func(sw model.Switch) string { return sw.Label }), nil
}

// PortRegister adds a port to a switch. The label must name an interface
// of the switch's family.
func (s *Service) PortRegister(switchName, port string) error {
	if err := validate("switch", switchName); err != nil {
		return err
	}
	if err := util.ValidatePortLabel(port); err != nil {
		return err
	}
	return s.transaction(func(tx *gorm.DB) error {
		sw, err := findSwitch(tx, switchName)
		if err != nil {
			return err
		}
		if err := s.switches.ValidatePort(sw.Type, port); err != nil {
			return err
		}
		dup, err := exists(tx, &model.Port{}, "switch_id = ? AND label = ?", sw.ID, port)
		if err != nil {
			return err
		}
		if dup {
			return util.NewConflictError("port "+switchName+"/"+port, "already exists")
		}
		return tx.Create(&model.Port{SwitchID: sw.ID, Label: port}).Error
	})
}

// PortDelete removes a port with no nic and no pending actions.
func (s *Service) PortDelete(switchName, port string) error {
	return s.withPort(switchName, port, func(tx *gorm.DB, p *model.Port) error {
		var children []string
		if p.Nic != nil {
			children = append(children, "nic "+nicLabel(p.Nic))
		}
		busy, err := deferred.PendingOnPorts(tx, p.ID)
		if err != nil {
			return err
		}
		if busy {
			children = append(children, "pending networking actions")
		}
		if len(children) > 0 {
			return util.NewBlockingChildError("port "+portLabel(p), children...)
		}
		return tx.Delete(&model.Port{}, p.ID).Error
	})
}

// PortConnectNic wires a nic to a port. Both must be unwired.
func (s *Service) PortConnectNic(switchName, port, node, nic string) error {
	if err := validate("node", node, "nic", nic); err != nil {
		return err
	}
	return s.withPort(switchName, port, func(tx *gorm.DB, p *model.Port) error {
		if p.Nic != nil {
			return util.NewConflictError("port "+portLabel(p), "already connected to "+nicLabel(p.Nic))
		}
		n, err := findNode(tx, node)
		if err != nil {
			return err
		}
		ni, err := findNic(tx, n, nic)
		if err != nil {
			return err
		}
		if ni.Port != nil {
			return util.NewConflictError("nic "+node+"/"+nic, "already connected to port "+portLabel(ni.Port))
		}
		return tx.Model(&model.Port{}).Where("id = ?", p.ID).Update("nic_id", ni.ID).Error
	})
}

// PortDetachNic unwires a port's nic. The nic must be off every network.
func (s *Service) PortDetachNic(switchName, port string) error {
	return s.withPort(switchName, port, func(tx *gorm.DB, p *model.Port) error {
		if p.Nic == nil {
			return util.NewNotFoundError("nic on port", portLabel(p))
		}
		children, err := blockers(tx, []model.Nic{*p.Nic})
		if err != nil {
			return err
		}
		busy, err := deferred.PendingOnPorts(tx, p.ID)
		if err != nil {
			return err
		}
		if busy && len(children) == 0 {
			children = append(children, "pending networking actions")
		}
		if len(children) > 0 {
			return util.NewBlockingChildError("port "+portLabel(p), children...)
		}
		return tx.Model(&model.Port{}).Where("id = ?", p.ID).Update("nic_id", nil).Error
	})
}

// PortShow describes what is wired to a port.
func (s *Service) PortShow(switchName, port string) (*PortInfo, error) {
	var info PortInfo
	err := s.withPortTx(s.db, switchName, port, func(tx *gorm.DB, p *model.Port) error {
		if p.Nic == nil {
			return nil
		}
		info.Nic = p.Nic.Label
		if p.Nic.Node != nil {
			info.Node = p.Nic.Node.Label
		}
		var err error
		info.Networks, err = nicAttachments(tx, p.Nic.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// PortRevert queues removal of every VLAN on a port. The port's
// attachments are dropped once the switch confirms.
func (s *Service) PortRevert(switchName, port string) (string, error) {
	var id string
	err := s.withPort(switchName, port, func(tx *gorm.DB, p *model.Port) error {
		var err error
		id, err = s.queue.EnqueueRevert(tx, p, p.Nic)
		return err
	})
	return id, err
}

// withPort runs fn in a transaction on a validated, existing port.
func (s *Service) withPort(switchName, port string, fn func(tx *gorm.DB, p *model.Port) error) error {
	return s.transaction(func(tx *gorm.DB) error {
		return s.withPortTx(tx, switchName, port, fn)
	})
}

func (s *Service) withPortTx(tx *gorm.DB, switchName, port string, fn func(tx *gorm.DB, p *model.Port) error) error {
	if err := validate("switch", switchName); err != nil {
		return err
	}
	if err := util.ValidatePortLabel(port); err != nil {
		return err
	}
	sw, err := findSwitch(tx, switchName)
	if err != nil {
		return err
	}
	p, err := findPort(tx, sw, port)
	if err != nil {
		return err
	}
	return fn(tx, p)
}

func nicLabel(nic *model.Nic) string {
	if nic.Node != nil {
		return nic.Node.Label + "/" + nic.Label
	}
	return nic.Label
}
