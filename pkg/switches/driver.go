// Package switches defines the capability interface every switch family
// implements, the registry that maps a switch type to its family, and the
// per-switch session pool the apply worker drives them through.
package switches

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/hil-network/hil/pkg/util"
)

// Capability flags reported by SwitchShow.
const (
	// CapNativelessTrunk: the switch cannot run a trunk without a native
	// VLAN and parks unused ports on a dummy VLAN instead.
	CapNativelessTrunk = "nativeless-trunk-mode"
	// CapNativeFirst: a tagged VLAN may only be added to a port that
	// already has a native VLAN, and the native VLAN may only be removed
	// once no tagged VLANs remain.
	CapNativeFirst = "native-first"
)

// ChannelNative mirrors model.ChannelNative for drivers, which do not
// depend on the persisted model.
const ChannelNative = "vlan/native"

// PortVLAN is one configured VLAN on a port as reported by ReadPortState.
type PortVLAN struct {
	Channel string `json:"channel"`
	VLAN    int    `json:"vlan"`
}

// Driver is an open session to one switch. Implementations are not safe
// for concurrent use; Pool serializes callers per switch.
//
// Every method is idempotent: applying a VLAN that is already present, or
// removing one that is absent, succeeds without changing the port.
type Driver interface {
	// ApplyVLAN trunks vlan on port.
	ApplyVLAN(ctx context.Context, port string, vlan int) error
	// RemoveVLAN stops trunking vlan on port.
	RemoveVLAN(ctx context.Context, port string, vlan int) error
	// SetNative makes vlan the untagged VLAN on port, first removing old
	// (0 for none).
	SetNative(ctx context.Context, port string, old, vlan int) error
	// ClearNative removes vlan as the untagged VLAN, leaving the port
	// nativeless or parked on the dummy VLAN.
	ClearNative(ctx context.Context, port string, vlan int) error
	// ReadPortState lists the VLANs configured on port, native first,
	// excluding any dummy VLAN.
	ReadPortState(ctx context.Context, port string) ([]PortVLAN, error)
	// PersistConfig saves the running configuration.
	PersistConfig(ctx context.Context) error
	// Close ends the session.
	Close() error
}

// Locker is implemented by drivers that guard a switch across processes.
// Pool takes the lock around every use of such a driver.
type Locker interface {
	Lock(ctx context.Context, holder string) error
	Unlock(ctx context.Context, holder string) error
}

// ConfigReader is implemented by drivers that can dump the switch's
// running configuration.
type ConfigReader interface {
	RunningConfig(ctx context.Context) (string, error)
}

// Config carries the connection parameters of one registered switch.
type Config struct {
	Name      string
	Type      string
	Hostname  string
	Port      int
	Username  string
	Password  string
	DummyVLAN int
	// Timeout bounds every exchange with the device.
	Timeout time.Duration
}

// Address joins Hostname and Port, falling back to def for a zero port.
func (c Config) Address(def int) string {
	port := c.Port
	if port == 0 {
		port = def
	}
	return c.Hostname + ":" + strconv.Itoa(port)
}

// ChannelFor names the channel a VLAN occupies on a port.
func ChannelFor(vlan int, native bool) string {
	if native {
		return ChannelNative
	}
	return fmt.Sprintf("vlan/%d", vlan)
}

// SortPortVLANs orders entries native first, then tagged ids ascending.
func SortPortVLANs(entries []PortVLAN) {
	sort.SliceStable(entries, func(i, j int) bool {
		ni := entries[i].Channel == ChannelNative
		nj := entries[j].Channel == ChannelNative
		if ni != nj {
			return ni
		}
		return entries[i].VLAN < entries[j].VLAN
	})
}

// BuildPortState turns a native id (0 for none) and a tagged list into
// sorted PortVLAN entries, dropping the dummy VLAN and the native id from
// the tagged list.
func BuildPortState(native int, tagged []int, dummy int) []PortVLAN {
	result := []PortVLAN{}
	if native != 0 && native != dummy {
		result = append(result, PortVLAN{Channel: ChannelNative, VLAN: native})
	}
	for _, v := range tagged {
		if v == native || (dummy != 0 && v == dummy) {
			continue
		}
		result = append(result, PortVLAN{Channel: ChannelFor(v, false), VLAN: v})
	}
	SortPortVLANs(result)
	return result
}

// ValidateDummyVLAN checks the dummy VLAN a nativeless family requires.
func ValidateDummyVLAN(cfg Config) error {
	if cfg.DummyVLAN == 0 {
		return util.NewValidationError(fmt.Sprintf("switch type %s requires a dummy VLAN", cfg.Type))
	}
	if err := util.ValidateVLANID(cfg.DummyVLAN); err != nil {
		return util.NewValidationError("dummy VLAN: " + err.Error())
	}
	return nil
}
