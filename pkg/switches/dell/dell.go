// Package dell drives Dell PowerConnect and N3000 switches through their
// interactive CLI.
package dell

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/hil-network/hil/pkg/switches"
	"github.com/hil-network/hil/pkg/switches/console"
	"github.com/hil-network/hil/pkg/util"
)

// Switch type names.
const (
	TypePowerConnect = "dell"
	TypeN3000        = "dell-n3000"
)

// Dialer opens the raw CLI stream for a switch.
type Dialer func(ctx context.Context, cfg switches.Config) (*console.Session, error)

// SSHDialer reaches the CLI over SSH on port 22 unless cfg overrides it.
func SSHDialer(ctx context.Context, cfg switches.Config) (*console.Session, error) {
	return console.DialSSH(ctx, console.SSHConfig{
		Name:     cfg.Name,
		Address:  cfg.Address(22),
		User:     cfg.Username,
		Password: cfg.Password,
		Timeout:  cfg.Timeout,
	})
}

// Families returns both Dell families dialing over SSH.
func Families() []switches.Family {
	return []switches.Family{PowerConnect(SSHDialer), N3000(SSHDialer)}
}

var portLabelRe = regexp.MustCompile(`^[A-Za-z]+[0-9]+(/[0-9]+){1,2}$`)

func validatePort(label string) error {
	if !portLabelRe.MatchString(label) {
		return util.NewValidationError(fmt.Sprintf("port name %q is not a Dell interface (e.g. gi1/0/1)", label))
	}
	return nil
}

func validateCommon(cfg switches.Config) *util.ValidationBuilder {
	v := &util.ValidationBuilder{}
	v.Add(cfg.Hostname != "", "hostname is required")
	v.Add(cfg.Username != "", "username is required")
	return v
}

// PowerConnect is the PowerConnect 55xx family. Its trunks need a native
// VLAN before tagged ones can be added.
func PowerConnect(dial Dialer) switches.Family {
	return switches.Family{
		Name: TypePowerConnect,
		Open: func(ctx context.Context, cfg switches.Config) (switches.Driver, error) {
			return open(ctx, dial, cfg, false)
		},
		Capabilities: func(cfg switches.Config) []string {
			return []string{switches.CapNativeFirst}
		},
		Validate: func(cfg switches.Config) error {
			v := validateCommon(cfg)
			v.Add(cfg.DummyVLAN == 0, "dummy VLAN is only used by "+TypeN3000)
			return v.Build()
		},
		ValidatePort: validatePort,
	}
}

// N3000 is the N3000 family, which parks unused trunk ports on a dummy
// native VLAN.
func N3000(dial Dialer) switches.Family {
	return switches.Family{
		Name: TypeN3000,
		Open: func(ctx context.Context, cfg switches.Config) (switches.Driver, error) {
			return open(ctx, dial, cfg, true)
		},
		Capabilities: func(cfg switches.Config) []string {
			return []string{switches.CapNativelessTrunk}
		},
		Validate: func(cfg switches.Config) error {
			v := validateCommon(cfg)
			v.AddErr(switches.ValidateDummyVLAN(cfg))
			return v.Build()
		},
		ValidatePort: validatePort,
	}
}

// Driver is a logged-in Dell CLI session.
type Driver struct {
	cfg        switches.Config
	session    *console.Session
	nativeless bool

	mainPrompt   *regexp.Regexp
	configPrompt *regexp.Regexp
	ifPrompt     *regexp.Regexp
}

var (
	_ switches.Driver       = (*Driver)(nil)
	_ switches.ConfigReader = (*Driver)(nil)
)

var (
	loginPromptRe = regexp.MustCompile(`(?m)^([^\s#>()]+)(?:\([^)]*\))?([>#])[ \t]*$`)
	userNameRe    = regexp.MustCompile(`User ?Name:`)
	passwordRe    = regexp.MustCompile(`Password:`)
)

func open(ctx context.Context, dial Dialer, cfg switches.Config, nativeless bool) (*Driver, error) {
	s, err := dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	d := &Driver{cfg: cfg, session: s, nativeless: nativeless}
	if err := d.login(ctx); err != nil {
		s.Close()
		return nil, err
	}
	util.WithSwitch(cfg.Name).Debugf("logged in, prompt %s", d.mainPrompt)
	return d, nil
}

// login answers in-band credential prompts, enters privileged mode, and
// derives the mode prompts from the hostname the CLI shows.
func (d *Driver) login(ctx context.Context) error {
	s := d.session
	var name, mode string
	for name == "" {
		idx, err := s.Expect(ctx, loginPromptRe, userNameRe, passwordRe)
		if err != nil {
			return err
		}
		switch idx {
		case 0:
			m := loginPromptRe.FindStringSubmatch(s.After)
			name, mode = m[1], m[2]
		case 1:
			err = s.SendLine(d.cfg.Username)
		case 2:
			err = s.SendLine(d.cfg.Password)
		}
		if err != nil {
			return err
		}
	}

	quoted := regexp.QuoteMeta(name)
	d.mainPrompt = regexp.MustCompile(quoted + `#`)
	d.configPrompt = regexp.MustCompile(quoted + `\(config\)#`)
	d.ifPrompt = regexp.MustCompile(quoted + `\(config-if[^)]*\)#`)

	if mode == ">" {
		if err := s.SendLine("enable"); err != nil {
			return err
		}
		idx, err := s.Expect(ctx, d.mainPrompt, passwordRe)
		if err != nil {
			return err
		}
		if idx == 1 {
			if err := s.SendLine(d.cfg.Password); err != nil {
				return err
			}
			if idx, err = s.Expect(ctx, d.mainPrompt, passwordRe); err != nil {
				return err
			}
			if idx == 1 {
				return util.NewSwitchProtocolError(d.cfg.Name, "enable", "enable password rejected")
			}
		}
	}
	return nil
}

// command sends one line and waits for prompt. Output lines starting with
// "%" are CLI errors.
func (d *Driver) command(ctx context.Context, line string, prompt *regexp.Regexp) error {
	util.WithSwitch(d.cfg.Name).Debugf("> %s", line)
	if err := d.session.SendLine(line); err != nil {
		return err
	}
	if _, err := d.session.Expect(ctx, prompt); err != nil {
		return err
	}
	for _, out := range strings.Split(d.session.Before, "\n") {
		out = strings.TrimSpace(out)
		if strings.HasPrefix(out, "%") {
			return util.NewSwitchProtocolError(d.cfg.Name, line, out)
		}
	}
	return nil
}

// configureInterface runs cmds in interface mode for port and returns to
// the privileged prompt.
func (d *Driver) configureInterface(ctx context.Context, port string, cmds ...string) error {
	if err := d.command(ctx, "config", d.configPrompt); err != nil {
		return d.recover(ctx, err)
	}
	if err := d.command(ctx, "int "+port, d.ifPrompt); err != nil {
		return d.recover(ctx, err)
	}
	for _, c := range cmds {
		if err := d.command(ctx, c, d.ifPrompt); err != nil {
			return d.recover(ctx, err)
		}
	}
	if err := d.command(ctx, "exit", d.configPrompt); err != nil {
		return d.recover(ctx, err)
	}
	return d.command(ctx, "exit", d.mainPrompt)
}

// recover returns the CLI to the privileged prompt after a rejected
// command so the session stays usable.
func (d *Driver) recover(ctx context.Context, cause error) error {
	if !errors.Is(cause, util.ErrSwitchProtocol) {
		return cause
	}
	if err := d.command(ctx, "end", d.mainPrompt); err != nil {
		return err
	}
	return cause
}

func (d *Driver) ApplyVLAN(ctx context.Context, port string, vlan int) error {
	return d.configureInterface(ctx, port,
		"sw mode trunk",
		fmt.Sprintf("sw trunk allowed vlan add %d", vlan))
}

func (d *Driver) RemoveVLAN(ctx context.Context, port string, vlan int) error {
	return d.configureInterface(ctx, port,
		fmt.Sprintf("sw trunk allowed vlan remove %d", vlan))
}

func (d *Driver) SetNative(ctx context.Context, port string, old, vlan int) error {
	var cmds []string
	if old != 0 {
		cmds = append(cmds, fmt.Sprintf("sw trunk allowed vlan remove %d", old))
	}
	cmds = append(cmds,
		"sw mode trunk",
		fmt.Sprintf("sw trunk allowed vlan add %d", vlan),
		fmt.Sprintf("sw trunk native vlan %d", vlan))
	return d.configureInterface(ctx, port, cmds...)
}

func (d *Driver) ClearNative(ctx context.Context, port string, vlan int) error {
	native := "none"
	if d.nativeless {
		native = fmt.Sprint(d.cfg.DummyVLAN)
	}
	return d.configureInterface(ctx, port,
		fmt.Sprintf("sw trunk allowed vlan remove %d", vlan),
		"sw trunk native vlan "+native)
}

// Listing keys differ between firmware releases.
var (
	nativeKeys = []string{"Trunking Native Mode VLAN", "Trunking Mode Native VLAN"}
	taggedKeys = []string{"Trunking VLANs Enabled", "Trunking Mode VLANs Enabled"}
)

func (d *Driver) ReadPortState(ctx context.Context, port string) ([]switches.PortVLAN, error) {
	op := "show int sw " + port
	if err := d.session.SendLine(op); err != nil {
		return nil, err
	}
	fields, err := console.NewKeyValueReader(d.session, d.mainPrompt).Read(ctx)
	if errors.Is(err, console.ErrNoTerminator) {
		return nil, util.NewSwitchProtocolError(d.cfg.Name, op, "listing ended without classification rules")
	}
	if err != nil {
		return nil, err
	}

	nativeRaw, ok := fields.Get(nativeKeys...)
	if !ok {
		return nil, util.NewSwitchProtocolError(d.cfg.Name, op, "no native VLAN field")
	}
	taggedRaw, ok := fields.Get(taggedKeys...)
	if !ok {
		return nil, util.NewSwitchProtocolError(d.cfg.Name, op, "no trunking VLANs field")
	}

	natives, err := util.ParseVLANList(nativeRaw)
	if err != nil || len(natives) > 1 {
		return nil, util.NewSwitchProtocolError(d.cfg.Name, op, nativeRaw)
	}
	tagged, err := util.ParseVLANList(taggedRaw)
	if err != nil {
		return nil, util.NewSwitchProtocolError(d.cfg.Name, op, taggedRaw)
	}
	native := 0
	if len(natives) == 1 {
		native = natives[0]
	}

	dummy := 0
	if d.nativeless {
		dummy = d.cfg.DummyVLAN
	}
	return switches.BuildPortState(native, tagged, dummy), nil
}

var (
	saveConfirmRe = regexp.MustCompile(`Overwrite file |` + regexp.QuoteMeta("(y/n) "))
	saveDoneRe    = regexp.MustCompile(`Copy succeeded|Configuration Saved`)
)

func (d *Driver) PersistConfig(ctx context.Context) error {
	s := d.session
	if err := s.SendLine("copy running-config startup-config"); err != nil {
		return err
	}
	if _, err := s.Expect(ctx, saveConfirmRe); err != nil {
		return err
	}
	if err := s.SendLine("y"); err != nil {
		return err
	}
	if _, err := s.Expect(ctx, saveDoneRe); err != nil {
		return err
	}
	_, err := s.Expect(ctx, d.mainPrompt)
	return err
}

// RunningConfig returns the output of "show running-config" with paging
// disabled for the duration.
func (d *Driver) RunningConfig(ctx context.Context) (string, error) {
	if err := d.command(ctx, "terminal length 0", d.mainPrompt); err != nil {
		return "", err
	}
	if err := d.session.SendLine("show running-config"); err != nil {
		return "", err
	}
	if _, err := d.session.Expect(ctx, d.mainPrompt); err != nil {
		return "", err
	}
	out := d.session.Before
	// Drop the echoed command.
	if _, rest, ok := strings.Cut(out, "\n"); ok {
		out = rest
	}
	if err := d.command(ctx, "terminal length 24", d.mainPrompt); err != nil {
		return "", err
	}
	return out, nil
}

// Close logs out and ends the session.
func (d *Driver) Close() error {
	if err := d.session.SendLine("exit"); err != nil {
		util.WithSwitch(d.cfg.Name).Debugf("logging out: %v", err)
	}
	return d.session.Close()
}
