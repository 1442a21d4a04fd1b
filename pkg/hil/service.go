// Package hil is the orchestration layer: every operation an API front end
// exposes over projects, nodes, switches, ports and networks. Mutations run
// in one database transaction each; networking changes are queued for the
// apply step rather than pushed to the switches inline.
package hil

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"gorm.io/gorm"

	"github.com/hil-network/hil/pkg/deferred"
	"github.com/hil-network/hil/pkg/model"
	"github.com/hil-network/hil/pkg/switches"
	"github.com/hil-network/hil/pkg/util"
	"github.com/hil-network/hil/pkg/vlanpool"
)

// Config wires a Service to its collaborators.
type Config struct {
	DB       *gorm.DB
	VLANs    *vlanpool.Pool
	Switches *switches.Registry
	Queue    *deferred.Queue
}

// Service implements the resource-model operations.
type Service struct {
	db       *gorm.DB
	vlans    *vlanpool.Pool
	switches *switches.Registry
	queue    *deferred.Queue
}

// New creates a Service. Every collaborator is required.
func New(cfg Config) (*Service, error) {
	switch {
	case cfg.DB == nil:
		return nil, errors.New("hil: database is required")
	case cfg.VLANs == nil:
		return nil, errors.New("hil: vlan pool is required")
	case cfg.Switches == nil:
		return nil, errors.New("hil: switch registry is required")
	case cfg.Queue == nil:
		return nil, errors.New("hil: action queue is required")
	}
	return &Service{
		db:       cfg.DB,
		vlans:    cfg.VLANs,
		switches: cfg.Switches,
		queue:    cfg.Queue,
	}, nil
}

func (s *Service) transaction(fn func(tx *gorm.DB) error) error {
	return s.db.Transaction(fn)
}

// ShowNetworkingAction reports the state of a queued action.
func (s *Service) ShowNetworkingAction(id string) (*deferred.ActionStatus, error) {
	return s.queue.Show(id)
}

// ApplyNetworking pushes every pending action to the switches.
func (s *Service) ApplyNetworking(ctx context.Context) (deferred.Summary, error) {
	return s.queue.Apply(ctx)
}

// ============================================================================
// Lookups. All take the transaction they run in.
// ============================================================================

func findProject(tx *gorm.DB, label string) (*model.Project, error) {
	var p model.Project
	if err := tx.Where("label = ?", label).First(&p).Error; err != nil {
		return nil, model.NotFound(err, "project", label)
	}
	return &p, nil
}

func findNode(tx *gorm.DB, label string) (*model.Node, error) {
	var n model.Node
	if err := tx.Preload("Project").Where("label = ?", label).First(&n).Error; err != nil {
		return nil, model.NotFound(err, "node", label)
	}
	return &n, nil
}

func findNic(tx *gorm.DB, node *model.Node, label string) (*model.Nic, error) {
	var nic model.Nic
	err := tx.Preload("Port.Switch").
		Where("node_id = ? AND label = ?", node.ID, label).
		First(&nic).Error
	if err != nil {
		return nil, model.NotFound(err, "nic", node.Label+"/"+label)
	}
	return &nic, nil
}

func findSwitch(tx *gorm.DB, label string) (*model.Switch, error) {
	var sw model.Switch
	if err := tx.Where("label = ?", label).First(&sw).Error; err != nil {
		return nil, model.NotFound(err, "switch", label)
	}
	return &sw, nil
}

func findPort(tx *gorm.DB, sw *model.Switch, label string) (*model.Port, error) {
	var p model.Port
	err := tx.Preload("Nic.Node").
		Where("switch_id = ? AND label = ?", sw.ID, label).
		First(&p).Error
	if err != nil {
		return nil, model.NotFound(err, "port", sw.Label+"/"+label)
	}
	p.Switch = sw
	return &p, nil
}

func findNetwork(tx *gorm.DB, label string) (*model.Network, error) {
	var n model.Network
	if err := tx.Preload("Owner").Preload("Access").Where("label = ?", label).First(&n).Error; err != nil {
		return nil, model.NotFound(err, "network", label)
	}
	return &n, nil
}

// exists reports whether a row of m matches the condition.
func exists(tx *gorm.DB, m interface{}, query string, args ...interface{}) (bool, error) {
	var n int64
	if err := tx.Model(m).Where(query, args...).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// nicAttachments maps channel to network label for one nic.
func nicAttachments(tx *gorm.DB, nicID uint) (map[string]string, error) {
	var atts []model.NetworkAttachment
	if err := tx.Preload("Network").Where("nic_id = ?", nicID).Find(&atts).Error; err != nil {
		return nil, fmt.Errorf("loading attachments: %w", err)
	}
	result := make(map[string]string, len(atts))
	for _, a := range atts {
		if a.Network != nil {
			result[a.Channel] = a.Network.Label
		}
	}
	return result, nil
}

// blockers lists what still hangs off a set of nics: their attachments and
// any pending action.
func blockers(tx *gorm.DB, nics []model.Nic) ([]string, error) {
	var children []string
	ids := make([]uint, 0, len(nics))
	for _, nic := range nics {
		ids = append(ids, nic.ID)
		atts, err := nicAttachments(tx, nic.ID)
		if err != nil {
			return nil, err
		}
		for _, ch := range sortedKeys(atts) {
			children = append(children, fmt.Sprintf("attachment %s/%s on %s", nic.Label, ch, atts[ch]))
		}
	}
	busy, err := deferred.PendingOnNics(tx, ids...)
	if err != nil {
		return nil, err
	}
	if busy {
		children = append(children, "pending networking actions")
	}
	return children, nil
}

func labels[T any](items []T, label func(T) string) []string {
	result := make([]string, 0, len(items))
	for _, it := range items {
		result = append(result, label(it))
	}
	sort.Strings(result)
	return result
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func validate(pairs ...string) error {
	return util.ValidateLabels(pairs...)
}
