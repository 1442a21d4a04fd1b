package hil

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/hil-network/hil/pkg/deferred"
	"github.com/hil-network/hil/pkg/model"
	"github.com/hil-network/hil/pkg/switches"
	"github.com/hil-network/hil/pkg/util"
	"github.com/hil-network/hil/pkg/vlanpool"
)

// NodeConnectNetwork queues putting a node's nic on a network and returns
// the action id. An empty channel means the native one.
func (s *Service) NodeConnectNetwork(node, nic, network, channel string) (string, error) {
	if err := validate("node", node, "nic", nic, "network", network); err != nil {
		return "", err
	}
	if channel == "" {
		channel = vlanpool.DefaultChannel()
	}

	var id string
	err := s.transaction(func(tx *gorm.DB) error {
		n, ni, err := s.projectNic(tx, node, nic)
		if err != nil {
			return err
		}
		net, err := findNetwork(tx, network)
		if err != nil {
			return err
		}
		if !hasAccess(net, *n.ProjectID) {
			return util.NewConflictError("network "+network, "project "+n.Project.Label+" has no access")
		}
		if !vlanpool.IsLegalChannel(channel, net.NetworkID) {
			return util.NewValidationError(fmt.Sprintf("channel %q is not legal for network %s", channel, network))
		}

		current, err := nicAttachments(tx, ni.ID)
		if err != nil {
			return err
		}
		for ch, label := range current {
			if label == network {
				return util.NewConflictError("nic "+node+"/"+nic, "already on network "+network+" over "+ch)
			}
		}
		if label, taken := current[channel]; taken {
			return util.NewConflictError("nic "+node+"/"+nic, "channel "+channel+" is used by network "+label)
		}

		cfg := deferred.SwitchConfig(ni.Port.Switch)
		if channel != model.ChannelNative && s.switches.HasCapability(cfg, switches.CapNativeFirst) {
			if _, ok := current[model.ChannelNative]; !ok {
				return util.NewConflictError("nic "+node+"/"+nic,
					"switch "+cfg.Name+" needs a native network before tagged ones")
			}
		}

		id, err = s.queue.EnqueueConnect(tx, ni.Port, ni, net, channel)
		return err
	})
	return id, err
}

// NodeDetachNetwork queues taking a node's nic off a network and returns
// the action id.
func (s *Service) NodeDetachNetwork(node, nic, network string) (string, error) {
	if err := validate("node", node, "nic", nic, "network", network); err != nil {
		return "", err
	}

	var id string
	err := s.transaction(func(tx *gorm.DB) error {
		_, ni, err := s.projectNic(tx, node, nic)
		if err != nil {
			return err
		}
		net, err := findNetwork(tx, network)
		if err != nil {
			return err
		}
		var att model.NetworkAttachment
		err = tx.Where("nic_id = ? AND network_id = ?", ni.ID, net.ID).First(&att).Error
		if err != nil {
			return model.NotFound(err, "attachment of network "+network, node+"/"+nic)
		}

		cfg := deferred.SwitchConfig(ni.Port.Switch)
		if att.Channel == model.ChannelNative && s.switches.HasCapability(cfg, switches.CapNativeFirst) {
			current, err := nicAttachments(tx, ni.ID)
			if err != nil {
				return err
			}
			var tagged []string
			for _, ch := range sortedKeys(current) {
				if ch != model.ChannelNative {
					tagged = append(tagged, "network "+current[ch]+" on "+ch)
				}
			}
			if len(tagged) > 0 {
				return util.NewBlockingChildError("native network of "+node+"/"+nic, tagged...)
			}
		}

		id, err = s.queue.EnqueueDetach(tx, ni.Port, ni, net, att.Channel)
		return err
	})
	return id, err
}

// projectNic loads a nic of a node that belongs to a project and is wired
// to a switch port.
func (s *Service) projectNic(tx *gorm.DB, node, nic string) (*model.Node, *model.Nic, error) {
	n, err := findNode(tx, node)
	if err != nil {
		return nil, nil, err
	}
	if n.ProjectID == nil {
		return nil, nil, util.NewConflictError("node "+node, "not in a project")
	}
	ni, err := findNic(tx, n, nic)
	if err != nil {
		return nil, nil, err
	}
	if ni.Port == nil || ni.Port.Switch == nil {
		return nil, nil, util.NewNotFoundError("port of nic", node+"/"+nic)
	}
	return n, ni, nil
}
