// Package sonic drives SONiC switches by writing VLAN membership straight
// into CONFIG_DB, reached directly or through an SSH tunnel.
package sonic

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/go-redis/redis/v8"
	"golang.org/x/crypto/ssh"

	"github.com/hil-network/hil/pkg/switches"
	"github.com/hil-network/hil/pkg/util"
)

// TypeName is the switch type of this family.
const TypeName = "sonic"

const (
	modeTagged   = "tagged"
	modeUntagged = "untagged"
)

var portLabelRe = regexp.MustCompile(`^(Ethernet|PortChannel)[0-9]+$`)

// Family returns the SONiC family. With a username set, Redis and config
// save go through SSH on cfg.Port (default 22); otherwise Redis is dialed
// directly on cfg.Port (default 6379) and PersistConfig is unavailable.
func Family() switches.Family {
	return switches.Family{
		Name: TypeName,
		Open: func(ctx context.Context, cfg switches.Config) (switches.Driver, error) {
			return Open(ctx, cfg)
		},
		Capabilities: func(cfg switches.Config) []string {
			if cfg.DummyVLAN != 0 {
				return []string{switches.CapNativelessTrunk}
			}
			return []string{}
		},
		Validate: func(cfg switches.Config) error {
			v := &util.ValidationBuilder{}
			v.Add(cfg.Hostname != "", "hostname is required")
			if cfg.DummyVLAN != 0 {
				v.AddErr(switches.ValidateDummyVLAN(cfg))
			}
			return v.Build()
		},
		ValidatePort: func(label string) error {
			if !portLabelRe.MatchString(label) {
				return util.NewValidationError(fmt.Sprintf("port name %q is not a SONiC interface (e.g. Ethernet0)", label))
			}
			return nil
		},
	}
}

// Driver holds CONFIG_DB and STATE_DB clients for one switch.
type Driver struct {
	cfg      switches.Config
	tunnel   *SSHTunnel
	configDB *redis.Client
	stateDB  *redis.Client
}

var (
	_ switches.Driver = (*Driver)(nil)
	_ switches.Locker = (*Driver)(nil)
)

// Open connects to the switch's Redis databases.
func Open(ctx context.Context, cfg switches.Config) (*Driver, error) {
	d := &Driver{cfg: cfg}
	addr := cfg.Address(6379)
	if cfg.Username != "" {
		t, err := NewSSHTunnel(ctx, cfg.Address(22), cfg.Username, cfg.Password, redisTarget, cfg.Timeout)
		if err != nil {
			return nil, util.NewSwitchCommError(cfg.Name, "connect", err)
		}
		d.tunnel = t
		addr = t.LocalAddr()
	}
	d.configDB = newClient(addr, configDBIndex, cfg.Timeout)
	d.stateDB = newClient(addr, stateDBIndex, cfg.Timeout)

	if err := d.configDB.Ping(ctx).Err(); err != nil {
		d.Close()
		return nil, util.NewSwitchCommError(cfg.Name, "connect", err)
	}
	util.WithSwitch(cfg.Name).Debugf("connected to CONFIG_DB via %s", addr)
	return d, nil
}

func (d *Driver) commErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return util.NewSwitchCommError(d.cfg.Name, op, err)
}

func (d *Driver) memberMode(ctx context.Context, vlan int, port string) (string, error) {
	mode, err := d.configDB.HGet(ctx, memberKey(vlan, port), "tagging_mode").Result()
	if err == redis.Nil {
		return "", nil
	}
	return mode, err
}

// ensureVLAN queues creation of the VLAN entry.
func ensureVLAN(ctx context.Context, pipe redis.Pipeliner, vlan int) {
	pipe.HSet(ctx, vlanKey(vlan), "vlanid", strconv.Itoa(vlan))
}

func (d *Driver) ApplyVLAN(ctx context.Context, port string, vlan int) error {
	mode, err := d.memberMode(ctx, vlan, port)
	if err != nil {
		return d.commErr("apply vlan", err)
	}
	if mode == modeUntagged {
		// Already the native VLAN; leave it.
		return nil
	}
	pipe := d.configDB.TxPipeline()
	ensureVLAN(ctx, pipe, vlan)
	pipe.HSet(ctx, memberKey(vlan, port), "tagging_mode", modeTagged)
	_, err = pipe.Exec(ctx)
	return d.commErr("apply vlan", err)
}

func (d *Driver) RemoveVLAN(ctx context.Context, port string, vlan int) error {
	return d.commErr("remove vlan", d.configDB.Del(ctx, memberKey(vlan, port)).Err())
}

func (d *Driver) SetNative(ctx context.Context, port string, old, vlan int) error {
	pipe := d.configDB.TxPipeline()
	if old != 0 && old != vlan {
		pipe.Del(ctx, memberKey(old, port))
	}
	if dummy := d.cfg.DummyVLAN; dummy != 0 && dummy != vlan {
		pipe.Del(ctx, memberKey(dummy, port))
	}
	ensureVLAN(ctx, pipe, vlan)
	pipe.HSet(ctx, memberKey(vlan, port), "tagging_mode", modeUntagged)
	_, err := pipe.Exec(ctx)
	return d.commErr("set native", err)
}

func (d *Driver) ClearNative(ctx context.Context, port string, vlan int) error {
	pipe := d.configDB.TxPipeline()
	pipe.Del(ctx, memberKey(vlan, port))
	if dummy := d.cfg.DummyVLAN; dummy != 0 {
		ensureVLAN(ctx, pipe, dummy)
		pipe.HSet(ctx, memberKey(dummy, port), "tagging_mode", modeUntagged)
	}
	_, err := pipe.Exec(ctx)
	return d.commErr("clear native", err)
}

func (d *Driver) ReadPortState(ctx context.Context, port string) ([]switches.PortVLAN, error) {
	keys, err := scanKeys(ctx, d.configDB, key(tableVLANMember, "*", port), 100)
	if err != nil {
		return nil, d.commErr("read port", err)
	}
	native := 0
	var tagged []int
	for _, k := range keys {
		vlan, p, ok := parseMemberKey(k)
		if !ok || p != port {
			continue
		}
		mode, err := d.configDB.HGet(ctx, k, "tagging_mode").Result()
		if err != nil && err != redis.Nil {
			return nil, d.commErr("read port", err)
		}
		switch mode {
		case modeUntagged:
			if native != 0 {
				return nil, util.NewSwitchProtocolError(d.cfg.Name, "read port",
					fmt.Sprintf("%s has untagged members Vlan%d and Vlan%d", port, native, vlan))
			}
			native = vlan
		case modeTagged, "":
			tagged = append(tagged, vlan)
		default:
			return nil, util.NewSwitchProtocolError(d.cfg.Name, "read port", k+" tagging_mode="+mode)
		}
	}
	sort.Ints(tagged)
	return switches.BuildPortState(native, tagged, d.cfg.DummyVLAN), nil
}

// PersistConfig writes CONFIG_DB to /etc/sonic/config_db.json.
func (d *Driver) PersistConfig(ctx context.Context) error {
	if d.tunnel == nil {
		return util.NewSwitchCommError(d.cfg.Name, "config save", errors.New("no SSH session"))
	}
	out, err := d.tunnel.ExecCommand(ctx, "sudo config save -y")
	if err != nil {
		var exit *ssh.ExitError
		if errors.As(err, &exit) {
			return util.NewSwitchProtocolError(d.cfg.Name, "config save", out)
		}
		return util.NewSwitchCommError(d.cfg.Name, "config save", err)
	}
	return nil
}

// Lock takes HIL_LOCK|<switch> in STATE_DB so that two processes never
// reconfigure the same switch at once.
func (d *Driver) Lock(ctx context.Context, holder string) error {
	return acquireLock(ctx, d.stateDB, d.cfg.Name, holder)
}

// Unlock releases the STATE_DB lock.
func (d *Driver) Unlock(ctx context.Context, holder string) error {
	return releaseLock(ctx, d.stateDB, d.cfg.Name, holder)
}

func (d *Driver) Close() error {
	if d.configDB != nil {
		d.configDB.Close()
	}
	if d.stateDB != nil {
		d.stateDB.Close()
	}
	if d.tunnel != nil {
		return d.tunnel.Close()
	}
	return nil
}
