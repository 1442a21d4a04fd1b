// Package deferred is the networking-action queue. Topology requests are
// recorded as PENDING actions inside the caller's transaction and later
// pushed to the switches by Apply, one port at a time in request order.
package deferred

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hil-network/hil/pkg/audit"
	"github.com/hil-network/hil/pkg/model"
	"github.com/hil-network/hil/pkg/switches"
	"github.com/hil-network/hil/pkg/util"
)

// Options tunes the apply step.
type Options struct {
	// Concurrency bounds how many ports are driven at once. Zero means 1.
	Concurrency int
	// Audit receives one event per finished action. Optional.
	Audit audit.Logger
	// ClaimTTL is how long an apply run may hold an action before another
	// run can take it over. Zero means DefaultClaimTTL.
	ClaimTTL time.Duration
}

// DefaultClaimTTL outlasts any single switch exchange by a wide margin.
const DefaultClaimTTL = 15 * time.Minute

// Queue enqueues and applies networking actions.
type Queue struct {
	db   *gorm.DB
	pool *switches.Pool
	opts Options

	applyMu sync.Mutex
}

// New creates a queue over db that drives switches through pool.
func New(db *gorm.DB, pool *switches.Pool, opts Options) *Queue {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = DefaultClaimTTL
	}
	return &Queue{db: db, pool: pool, opts: opts}
}

// Pool returns the session pool the queue drives switches through.
func (q *Queue) Pool() *switches.Pool {
	return q.pool
}

// SwitchConfig converts a registered switch into driver parameters.
func SwitchConfig(sw *model.Switch) switches.Config {
	return switches.Config{
		Name:      sw.Label,
		Type:      sw.Type,
		Hostname:  sw.Hostname,
		Port:      sw.Port,
		Username:  sw.Username,
		Password:  sw.Password,
		DummyVLAN: sw.DummyVLAN,
	}
}

// EnqueueConnect records a request to put nic on network over channel and
// writes the attachment row. The row is deleted again if the switch
// rejects the change.
func (q *Queue) EnqueueConnect(tx *gorm.DB, port *model.Port, nic *model.Nic, network *model.Network, channel string) (string, error) {
	if err := checkPending(tx, port, model.ActionConnect, channel); err != nil {
		return "", err
	}
	att := model.NetworkAttachment{NicID: nic.ID, NetworkID: network.ID, Channel: channel}
	if err := tx.Create(&att).Error; err != nil {
		return "", fmt.Errorf("recording attachment: %w", err)
	}
	nicID, netID := nic.ID, network.ID
	return insert(tx, &model.NetworkingAction{
		Type:      model.ActionConnect,
		PortID:    port.ID,
		NicID:     &nicID,
		NetworkID: &netID,
		Channel:   channel,
	})
}

// EnqueueDetach records a request to take nic off network. The attachment
// on channel is removed once the switch confirms.
func (q *Queue) EnqueueDetach(tx *gorm.DB, port *model.Port, nic *model.Nic, network *model.Network, channel string) (string, error) {
	if err := checkPending(tx, port, model.ActionDetach, channel); err != nil {
		return "", err
	}
	nicID, netID := nic.ID, network.ID
	return insert(tx, &model.NetworkingAction{
		Type:      model.ActionDetach,
		PortID:    port.ID,
		NicID:     &nicID,
		NetworkID: &netID,
		Channel:   channel,
	})
}

// EnqueueRevert records a request to strip every VLAN from port. nic is
// the nic bound to the port, or nil.
func (q *Queue) EnqueueRevert(tx *gorm.DB, port *model.Port, nic *model.Nic) (string, error) {
	if err := checkPending(tx, port, model.ActionRevert, ""); err != nil {
		return "", err
	}
	a := &model.NetworkingAction{Type: model.ActionRevert, PortID: port.ID}
	if nic != nil {
		nicID := nic.ID
		a.NicID = &nicID
	}
	return insert(tx, a)
}

// checkPending locks the port row and rejects the request if it overlaps a
// PENDING action. A revert overlaps everything on its port.
func checkPending(tx *gorm.DB, port *model.Port, kind, channel string) error {
	var locked model.Port
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id").
		First(&locked, port.ID).Error
	if err != nil {
		return model.NotFound(err, "port", port.Label)
	}

	var pending []model.NetworkingAction
	err = tx.Where("port_id = ? AND status = ?", port.ID, model.StatusPending).
		Order("seq").
		Find(&pending).Error
	if err != nil {
		return fmt.Errorf("checking pending actions: %w", err)
	}
	resource := "port " + port.Label
	for _, a := range pending {
		switch {
		case a.Type == model.ActionRevert:
			return util.NewConflictError(resource, fmt.Sprintf("revert %s is pending", a.UUID))
		case kind == model.ActionRevert:
			return util.NewConflictError(resource, fmt.Sprintf("%s %s is pending", a.Type, a.UUID))
		case a.Channel == channel:
			return util.NewConflictError(resource, fmt.Sprintf("%s %s is pending on %s", a.Type, a.UUID, channel))
		}
	}
	return nil
}

func insert(tx *gorm.DB, a *model.NetworkingAction) (string, error) {
	a.UUID = uuid.NewString()
	a.Status = model.StatusPending
	if err := tx.Create(a).Error; err != nil {
		return "", fmt.Errorf("queueing %s action: %w", a.Type, err)
	}
	util.WithAction(a.UUID, a.Type).Debugf("queued on port %d channel %q", a.PortID, a.Channel)
	return a.UUID, nil
}

// ActionStatus is what a caller polling an action sees.
type ActionStatus struct {
	Status        string  `json:"status"`
	Type          string  `json:"type"`
	Node          string  `json:"node"`
	Nic           string  `json:"nic"`
	Channel       string  `json:"channel"`
	TargetNetwork *string `json:"target_network"`
	Error         string  `json:"error,omitempty"`
}

// Show reports the state of one action.
func (q *Queue) Show(id string) (*ActionStatus, error) {
	var a model.NetworkingAction
	err := q.db.Preload("Nic.Node").Preload("Network").
		Where("uuid = ?", id).
		First(&a).Error
	if err != nil {
		return nil, model.NotFound(err, "networking action", id)
	}
	st := &ActionStatus{
		Status:  a.Status,
		Type:    a.Type,
		Channel: a.Channel,
		Error:   a.Error,
	}
	if a.Nic != nil {
		st.Nic = a.Nic.Label
		if a.Nic.Node != nil {
			st.Node = a.Nic.Node.Label
		}
	}
	if a.Type == model.ActionConnect && a.Network != nil {
		label := a.Network.Label
		st.TargetNetwork = &label
	}
	return st, nil
}

// ActionInfo is one row of List.
type ActionInfo struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Switch    string    `json:"switch"`
	Port      string    `json:"port"`
	Channel   string    `json:"channel,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// List returns actions in queue order, optionally only those with status.
func (q *Queue) List(status string) ([]ActionInfo, error) {
	tx := q.db.Preload("Port.Switch").Order("seq")
	if status != "" {
		tx = tx.Where("status = ?", status)
	}
	var actions []model.NetworkingAction
	if err := tx.Find(&actions).Error; err != nil {
		return nil, fmt.Errorf("listing actions: %w", err)
	}
	result := make([]ActionInfo, 0, len(actions))
	for _, a := range actions {
		info := ActionInfo{
			ID:        a.UUID,
			Seq:       a.Seq,
			Type:      a.Type,
			Status:    a.Status,
			Channel:   a.Channel,
			Error:     a.Error,
			CreatedAt: a.CreatedAt,
		}
		if a.Port != nil {
			info.Port = a.Port.Label
			if a.Port.Switch != nil {
				info.Switch = a.Port.Switch.Label
			}
		}
		result = append(result, info)
	}
	return result, nil
}

// PendingOnPorts reports whether a PENDING action touches one of the ports.
func PendingOnPorts(tx *gorm.DB, portIDs ...uint) (bool, error) {
	return pending(tx, "port_id IN ?", portIDs)
}

// PendingOnNics reports whether a PENDING action targets one of the nics.
func PendingOnNics(tx *gorm.DB, nicIDs ...uint) (bool, error) {
	return pending(tx, "nic_id IN ?", nicIDs)
}

// PendingOnNetwork reports whether a PENDING action targets network.
func PendingOnNetwork(tx *gorm.DB, networkID uint) (bool, error) {
	return pending(tx, "network_id IN ?", []uint{networkID})
}

func pending(tx *gorm.DB, cond string, ids []uint) (bool, error) {
	if len(ids) == 0 {
		return false, nil
	}
	var n int64
	err := tx.Model(&model.NetworkingAction{}).
		Where(cond, ids).
		Where("status = ?", model.StatusPending).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("checking pending actions: %w", err)
	}
	return n > 0, nil
}
