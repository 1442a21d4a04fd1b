package deferred

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/hil-network/hil/pkg/audit"
	"github.com/hil-network/hil/pkg/model"
	"github.com/hil-network/hil/pkg/switches"
	"github.com/hil-network/hil/pkg/util"
)

// Summary counts the outcomes of one Apply.
type Summary struct {
	Done   int `json:"done"`
	Failed int `json:"failed"`
	// Deferred actions stay PENDING, e.g. because another process holds
	// the switch lock. They are retried by the next Apply.
	Deferred int `json:"deferred"`
}

// Total is the number of actions Apply looked at.
func (s Summary) Total() int {
	return s.Done + s.Failed + s.Deferred
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeFailed
	outcomeDeferred
	// Another apply run owns or already finished the action.
	outcomeSkipped
)

var errAlreadyFinished = errors.New("action already finished")

// Apply drains the PENDING actions. Actions on the same port run in
// queue order; different ports run concurrently up to Concurrency. A
// switch failure marks its action ERROR. The returned error is reserved
// for database failures and cancellation, which leave the remaining
// actions PENDING.
//
// Each action is claimed in the database before it is driven, so apply
// runs in other processes never push the same action twice.
func (q *Queue) Apply(ctx context.Context) (Summary, error) {
	q.applyMu.Lock()
	defer q.applyMu.Unlock()
	token := q.pool.Holder() + "/" + uuid.NewString()

	var actions []model.NetworkingAction
	err := q.db.WithContext(ctx).
		Preload("Port.Switch").
		Preload("Nic.Node").
		Preload("Network").
		Where("status = ?", model.StatusPending).
		Order("seq").
		Find(&actions).Error
	if err != nil {
		return Summary{}, fmt.Errorf("loading pending actions: %w", err)
	}
	if len(actions) == 0 {
		return Summary{}, nil
	}

	var (
		mu  sync.Mutex
		sum Summary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.opts.Concurrency)
	for _, group := range groupByPort(actions) {
		group := group
		g.Go(func() error {
			for i, a := range group {
				out, err := q.applyOne(gctx, a, token)
				if err != nil {
					return err
				}
				if out == outcomeSkipped {
					continue
				}
				mu.Lock()
				switch out {
				case outcomeDone:
					sum.Done++
				case outcomeFailed:
					sum.Failed++
				case outcomeDeferred:
					// Later actions on this port depend on this one.
					sum.Deferred += len(group) - i
				}
				mu.Unlock()
				if out == outcomeDeferred {
					return nil
				}
			}
			return nil
		})
	}
	err = g.Wait()
	return sum, err
}

// groupByPort splits actions into per-port groups, each in Seq order.
// Groups are ordered by their first action.
func groupByPort(actions []model.NetworkingAction) [][]*model.NetworkingAction {
	index := make(map[uint]int)
	var groups [][]*model.NetworkingAction
	for i := range actions {
		a := &actions[i]
		n, ok := index[a.PortID]
		if !ok {
			n = len(groups)
			index[a.PortID] = n
			groups = append(groups, nil)
		}
		groups[n] = append(groups[n], a)
	}
	return groups
}

// applyOne claims, drives and records one action.
func (q *Queue) applyOne(ctx context.Context, a *model.NetworkingAction, token string) (outcome, error) {
	log := util.WithAction(a.UUID, a.Type)
	start := time.Now()

	out, err := q.claim(ctx, a, token)
	if err != nil || out != outcomeDone {
		return out, err
	}

	vlan, err := actionVLAN(a)
	if err == nil {
		if a.Port == nil || a.Port.Switch == nil {
			err = fmt.Errorf("port %d no longer exists", a.PortID)
		}
	}
	if err == nil {
		err = q.checkNativeFirst(ctx, a)
	}
	if err == nil {
		cfg := SwitchConfig(a.Port.Switch)
		err = q.pool.With(ctx, cfg, func(ctx context.Context, drv switches.Driver) error {
			if err := drive(ctx, drv, a, vlan); err != nil {
				return err
			}
			if err := drv.PersistConfig(ctx); err != nil {
				log.Warnf("saving configuration of %s: %v", cfg.Name, err)
			}
			return nil
		})
	}

	switch {
	case err == nil:
		if err := q.finish(ctx, a, token, model.StatusDone, ""); err != nil {
			return q.unfinished(a, token, err)
		}
		log.Infof("applied on %s", portName(a))
		q.record(a, vlan, start, nil)
		return outcomeDone, nil

	case errors.Is(err, util.ErrSwitchLocked):
		log.Infof("leaving pending: %v", err)
		q.release(a, token)
		return outcomeDeferred, nil

	case ctx.Err() != nil:
		q.release(a, token)
		return outcomeDeferred, ctx.Err()

	default:
		if ferr := q.finish(ctx, a, token, model.StatusError, err.Error()); ferr != nil {
			return q.unfinished(a, token, ferr)
		}
		log.Errorf("failed on %s: %v", portName(a), err)
		q.record(a, vlan, start, err)
		return outcomeFailed, nil
	}
}

// claim takes a for this run. It returns outcomeDone when the claim is
// held, outcomeDeferred when another run holds a live claim, and
// outcomeSkipped when a has already left PENDING.
func (q *Queue) claim(ctx context.Context, a *model.NetworkingAction, token string) (outcome, error) {
	now := time.Now()
	res := q.db.WithContext(ctx).Model(&model.NetworkingAction{}).
		Where("seq = ? AND status = ?", a.Seq, model.StatusPending).
		Where("(claimed_by = ? OR claimed_at IS NULL OR claimed_at < ?)", "", now.Add(-q.opts.ClaimTTL)).
		Updates(map[string]interface{}{"claimed_by": token, "claimed_at": now})
	if res.Error != nil {
		return outcomeDeferred, fmt.Errorf("claiming action %s: %w", a.UUID, res.Error)
	}
	if res.RowsAffected == 1 {
		return outcomeDone, nil
	}

	var cur model.NetworkingAction
	if err := q.db.WithContext(ctx).Select("seq", "status", "claimed_by").First(&cur, a.Seq).Error; err != nil {
		return outcomeDeferred, fmt.Errorf("reading action %s: %w", a.UUID, err)
	}
	if cur.Status != model.StatusPending {
		util.WithAction(a.UUID, a.Type).Debugf("already %s", cur.Status)
		return outcomeSkipped, nil
	}
	util.WithAction(a.UUID, a.Type).Infof("leaving pending: claimed by %s", cur.ClaimedBy)
	return outcomeDeferred, nil
}

// release drops this run's claim on a so the next apply can retry it.
func (q *Queue) release(a *model.NetworkingAction, token string) {
	err := q.db.Model(&model.NetworkingAction{}).
		Where("seq = ? AND claimed_by = ?", a.Seq, token).
		Updates(map[string]interface{}{"claimed_by": "", "claimed_at": nil}).Error
	if err != nil {
		util.WithAction(a.UUID, a.Type).Warnf("releasing claim: %v", err)
	}
}

// unfinished handles a failed finish. Losing the claim to another run
// is a skip; anything else is a database failure.
func (q *Queue) unfinished(a *model.NetworkingAction, token string, err error) (outcome, error) {
	if errors.Is(err, errAlreadyFinished) {
		util.WithAction(a.UUID, a.Type).Warnf("claim lost while applying: %v", err)
		return outcomeSkipped, nil
	}
	q.release(a, token)
	return outcomeDeferred, err
}

// checkNativeFirst refuses a tagged connect on a native-first switch when
// the nic no longer carries a native network, e.g. because the native
// connect queued before it failed.
func (q *Queue) checkNativeFirst(ctx context.Context, a *model.NetworkingAction) error {
	if a.Type != model.ActionConnect || a.Channel == model.ChannelNative || a.NicID == nil {
		return nil
	}
	cfg := SwitchConfig(a.Port.Switch)
	if !q.pool.Registry().HasCapability(cfg, switches.CapNativeFirst) {
		return nil
	}
	var n int64
	err := q.db.WithContext(ctx).Model(&model.NetworkAttachment{}).
		Where("nic_id = ? AND channel = ?", *a.NicID, model.ChannelNative).
		Count(&n).Error
	if err != nil {
		return fmt.Errorf("checking native attachment: %w", err)
	}
	if n == 0 {
		return util.NewConflictError("port "+portName(a), "switch "+cfg.Name+" needs a native network before tagged ones")
	}
	return nil
}

// drive issues the driver calls for a. vlan is the target network's VLAN
// for connect and detach.
func drive(ctx context.Context, drv switches.Driver, a *model.NetworkingAction, vlan int) error {
	port := a.Port.Label
	native := a.Channel == model.ChannelNative

	switch a.Type {
	case model.ActionConnect:
		if err := drv.ApplyVLAN(ctx, port, vlan); err != nil {
			return err
		}
		if native {
			if err := drv.SetNative(ctx, port, 0, vlan); err != nil {
				// Take the VLAN back off so the port matches the model.
				if rerr := drv.RemoveVLAN(ctx, port, vlan); rerr != nil {
					util.WithAction(a.UUID, a.Type).Warnf("removing vlan %d after failed native set: %v", vlan, rerr)
				}
				return err
			}
		}
		return nil

	case model.ActionDetach:
		if native {
			if err := drv.ClearNative(ctx, port, vlan); err != nil {
				return err
			}
		}
		return drv.RemoveVLAN(ctx, port, vlan)

	case model.ActionRevert:
		state, err := drv.ReadPortState(ctx, port)
		if err != nil {
			return err
		}
		nativeVLAN := 0
		// Tagged VLANs go first; native-first switches refuse to drop the
		// native VLAN while tagged ones remain.
		for _, e := range state {
			if e.Channel == switches.ChannelNative {
				nativeVLAN = e.VLAN
				continue
			}
			if err := drv.RemoveVLAN(ctx, port, e.VLAN); err != nil {
				return err
			}
		}
		if nativeVLAN != 0 {
			if err := drv.ClearNative(ctx, port, nativeVLAN); err != nil {
				return err
			}
			return drv.RemoveVLAN(ctx, port, nativeVLAN)
		}
		return nil
	}
	return fmt.Errorf("unknown action type %q", a.Type)
}

// actionVLAN resolves the VLAN a connect or detach works on.
func actionVLAN(a *model.NetworkingAction) (int, error) {
	if a.Type == model.ActionRevert {
		return 0, nil
	}
	if a.Network == nil {
		return 0, fmt.Errorf("network of action %s no longer exists", a.UUID)
	}
	vlan, err := strconv.Atoi(a.Network.NetworkID)
	if err != nil {
		return 0, fmt.Errorf("network %s has no VLAN id (%q)", a.Network.Label, a.Network.NetworkID)
	}
	return vlan, nil
}

// finish moves a out of PENDING and brings the attachment rows in line
// with what the switch now carries, in one transaction.
func (q *Queue) finish(ctx context.Context, a *model.NetworkingAction, token, status, msg string) error {
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.NetworkingAction{}).
			Where("seq = ? AND status = ? AND claimed_by = ?", a.Seq, model.StatusPending, token).
			Updates(map[string]interface{}{"status": status, "error": msg})
		if res.Error != nil {
			return fmt.Errorf("updating action %s: %w", a.UUID, res.Error)
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("updating action %s: %w", a.UUID, errAlreadyFinished)
		}

		var del *gorm.DB
		switch {
		case a.NicID == nil:
		case status == model.StatusDone && a.Type == model.ActionDetach:
			del = tx.Where("nic_id = ? AND channel = ?", *a.NicID, a.Channel)
		case status == model.StatusDone && a.Type == model.ActionRevert:
			del = tx.Where("nic_id = ?", *a.NicID)
		case status == model.StatusError && a.Type == model.ActionConnect && a.NetworkID != nil:
			del = tx.Where("nic_id = ? AND channel = ? AND network_id = ?", *a.NicID, a.Channel, *a.NetworkID)
		}
		if del != nil {
			if err := del.Delete(&model.NetworkAttachment{}).Error; err != nil {
				return fmt.Errorf("updating attachments for %s: %w", a.UUID, err)
			}
		}
		a.Status, a.Error = status, msg
		return nil
	})
}

func (q *Queue) record(a *model.NetworkingAction, vlan int, start time.Time, err error) {
	if q.opts.Audit == nil {
		return
	}
	var sw, port string
	if a.Port != nil {
		port = a.Port.Label
		if a.Port.Switch != nil {
			sw = a.Port.Switch.Label
		}
	}
	e := audit.NewEvent(a.UUID, sw, port, a.Type).
		WithHolder(q.pool.Holder()).
		WithDuration(time.Since(start))
	var node, nic, network string
	if a.Nic != nil {
		nic = a.Nic.Label
		if a.Nic.Node != nil {
			node = a.Nic.Node.Label
		}
	}
	if a.Network != nil {
		network = a.Network.Label
	}
	e.WithTarget(node, nic, network, a.Channel, vlan)
	if err != nil {
		e.WithError(err)
	} else {
		e.WithSuccess()
	}
	if err := q.opts.Audit.Log(e); err != nil {
		util.Warnf("audit: %v", err)
	}
}

func portName(a *model.NetworkingAction) string {
	if a.Port == nil || a.Port.Switch == nil {
		return fmt.Sprintf("port %d", a.PortID)
	}
	return a.Port.Switch.Label + "/" + a.Port.Label
}
