package dell

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hil-network/hil/pkg/switches"
	"github.com/hil-network/hil/pkg/switches/console"
	"github.com/hil-network/hil/pkg/util"
)

type fakePort struct {
	native  int
	allowed map[int]bool
}

// fakeCLI scripts a Dell CLI on the far side of a pair of pipes.
type fakeCLI struct {
	hostname       string
	enablePassword string
	askUser        bool
	privileged     bool
	altKeys        bool
	paginate       bool
	rejectVLAN     int

	mu      sync.Mutex
	ports   map[string]*fakePort
	history []string
	saves   int

	in   *bufio.Reader
	inR  *io.PipeReader
	out  *io.PipeWriter
	port string
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func (f *fakeCLI) dial(ctx context.Context, cfg switches.Config) (*console.Session, error) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	f.in, f.inR, f.out = bufio.NewReader(inR), inR, outW
	if f.ports == nil {
		f.ports = make(map[string]*fakePort)
	}
	go f.serve()
	closer := closerFunc(func() error {
		inW.Close()
		return outR.Close()
	})
	return console.NewSession(cfg.Name, outR, inW, closer, time.Second), nil
}

func (f *fakeCLI) write(s string) bool {
	_, err := io.WriteString(f.out, s)
	return err == nil
}

func (f *fakeCLI) readLine() (string, bool) {
	line, err := f.in.ReadString('\n')
	if err != nil {
		return "", false
	}
	return strings.TrimRight(line, "\r\n"), true
}

func (f *fakeCLI) prompt(mode string) string {
	switch mode {
	case "user":
		return f.hostname + ">"
	case "config":
		return f.hostname + "(config)#"
	case "if":
		return f.hostname + "(config-if-" + f.port + ")#"
	}
	return f.hostname + "#"
}

func (f *fakeCLI) serve() {
	defer f.inR.Close()
	defer f.out.Close()

	if f.askUser {
		if !f.write("\r\nUser Name:") {
			return
		}
		if _, ok := f.readLine(); !ok {
			return
		}
		if !f.write("\r\nPassword:") {
			return
		}
		if _, ok := f.readLine(); !ok {
			return
		}
	}

	mode := "user"
	if f.privileged {
		mode = "exec"
	}
	for mode != "" {
		if !f.write("\r\n" + f.prompt(mode)) {
			return
		}
		line, ok := f.readLine()
		if !ok {
			return
		}
		f.mu.Lock()
		f.history = append(f.history, line)
		f.mu.Unlock()
		if !f.write(line + "\r\n") {
			return
		}
		mode = f.handle(mode, line)
	}
}

const invalidInput = "% Invalid input detected at '^' marker.\r\n"

func (f *fakeCLI) handle(mode, line string) string {
	switch mode {
	case "user":
		switch line {
		case "enable":
			if f.enablePassword == "" {
				return "exec"
			}
			for {
				f.write("Password:")
				pw, ok := f.readLine()
				if !ok {
					return ""
				}
				if pw == f.enablePassword {
					return "exec"
				}
			}
		case "exit":
			return ""
		}
		f.write(invalidInput)
		return mode

	case "exec":
		switch {
		case line == "config":
			return "config"
		case line == "exit":
			return ""
		case strings.HasPrefix(line, "show int sw "):
			f.showPort(strings.TrimPrefix(line, "show int sw "))
		case line == "copy running-config startup-config":
			f.write("\r\nThis operation may take a few minutes.\r\nAre you sure you want to save? (y/n) ")
			if answer, ok := f.readLine(); ok && answer == "y" {
				f.mu.Lock()
				f.saves++
				f.mu.Unlock()
				f.write("\r\n\r\nConfiguration Saved!\r\n")
			}
		case strings.HasPrefix(line, "terminal length "):
		case line == "show running-config":
			f.write(f.runningConfig())
		default:
			f.write(invalidInput)
		}
		return mode

	case "config":
		switch {
		case strings.HasPrefix(line, "int "):
			f.port = strings.TrimPrefix(line, "int ")
			return "if"
		case line == "exit", line == "end":
			return "exec"
		}
		f.write(invalidInput)
		return mode

	case "if":
		switch line {
		case "exit":
			return "config"
		case "end":
			return "exec"
		}
		if err := f.switchport(line); err != "" {
			f.write(err)
		}
		return mode
	}
	return mode
}

func (f *fakeCLI) portState(label string) *fakePort {
	p, ok := f.ports[label]
	if !ok {
		p = &fakePort{allowed: make(map[int]bool)}
		f.ports[label] = p
	}
	return p
}

func (f *fakeCLI) switchport(line string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.portState(f.port)

	fields := strings.Fields(line)
	last := fields[len(fields)-1]
	vlan, _ := strconv.Atoi(last)
	if f.rejectVLAN != 0 && vlan == f.rejectVLAN {
		return "\r\n% VLAN " + last + " does not exist.\r\n"
	}

	switch {
	case line == "sw mode trunk":
	case strings.HasPrefix(line, "sw trunk allowed vlan add "):
		p.allowed[vlan] = true
	case strings.HasPrefix(line, "sw trunk allowed vlan remove "):
		delete(p.allowed, vlan)
	case line == "sw trunk native vlan none":
		p.native = 0
	case strings.HasPrefix(line, "sw trunk native vlan "):
		p.native = vlan
	default:
		return invalidInput
	}
	return ""
}

func (f *fakeCLI) showPort(label string) {
	f.mu.Lock()
	p := f.portState(label)
	native := "none"
	if p.native != 0 {
		native = fmt.Sprintf("%d (Inactive)", p.native)
	}
	var allowed []int
	for v := range p.allowed {
		allowed = append(allowed, v)
	}
	f.mu.Unlock()
	sort.Ints(allowed)

	nativeKey, taggedKey := "Trunking Native Mode VLAN", "Trunking VLANs Enabled"
	if f.altKeys {
		nativeKey, taggedKey = "Trunking Mode Native VLAN", "Trunking Mode VLANs Enabled"
	}

	// Two ranges per line, wrapped like the real CLI.
	tagged := "none"
	if len(allowed) > 0 {
		parts := strings.Split(util.CompactRange(allowed), ",")
		var lines []string
		for i := 0; i < len(parts); i += 2 {
			end := i + 2
			if end > len(parts) {
				end = len(parts)
			}
			lines = append(lines, strings.Join(parts[i:end], ","))
		}
		tagged = strings.Join(lines, ",\r\n     ")
	}

	f.write("\r\nName: " + label + "\r\n" +
		"Switchport: enable\r\n" +
		"Administrative Mode: trunk\r\n" +
		"Operational Mode: trunk\r\n")
	if f.paginate {
		f.write("More: <space>,  Quit: q or CTRL+Z, One line: <return> ")
		if b, err := f.in.ReadByte(); err != nil || b != ' ' {
			return
		}
		f.write("\r\n")
	}
	f.write(nativeKey + ": " + native + "\r\n" +
		taggedKey + ": " + tagged + "\r\n" +
		"Protected: Disabled\r\n" +
		"Classification rules:\r\n")
}

func (f *fakeCLI) runningConfig() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	labels := make([]string, 0, len(f.ports))
	for l := range f.ports {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	var b strings.Builder
	b.WriteString("!Current Configuration:\r\nhostname \"" + f.hostname + "\"\r\n")
	for _, l := range labels {
		b.WriteString("interface " + l + "\r\nswitchport mode trunk\r\nexit\r\n")
	}
	return b.String()
}

func (f *fakeCLI) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.history...)
}

func (f *fakeCLI) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = nil
}

func openFake(t *testing.T, family switches.Family, cfg switches.Config) *Driver {
	t.Helper()
	drv, err := family.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { drv.Close() })
	return drv.(*Driver)
}

var pcConfig = switches.Config{Name: "pc0", Type: TypePowerConnect, Hostname: "10.0.0.2", Username: "admin", Password: "secret"}

func TestLoginWithEnablePassword(t *testing.T) {
	cli := &fakeCLI{hostname: "console", enablePassword: "secret", askUser: true}
	drv := openFake(t, PowerConnect(cli.dial), pcConfig)

	if got := drv.mainPrompt.String(); got != `console#` {
		t.Errorf("main prompt = %q", got)
	}
	if got := cli.commands(); !reflect.DeepEqual(got, []string{"enable"}) {
		t.Errorf("commands after login = %q, want [enable]", got)
	}
}

func TestLoginBadEnablePassword(t *testing.T) {
	cli := &fakeCLI{hostname: "console", enablePassword: "other"}
	_, err := PowerConnect(cli.dial).Open(context.Background(), pcConfig)
	if !errors.Is(err, util.ErrSwitchProtocol) {
		t.Errorf("Open() = %v, want protocol error", err)
	}
}

func TestApplyAndReadPortState(t *testing.T) {
	ctx := context.Background()
	cli := &fakeCLI{hostname: "pc-5548", privileged: true}
	drv := openFake(t, PowerConnect(cli.dial), pcConfig)

	if err := drv.SetNative(ctx, "gi1/0/1", 0, 1001); err != nil {
		t.Fatalf("SetNative() error = %v", err)
	}
	cli.reset()
	if err := drv.ApplyVLAN(ctx, "gi1/0/1", 1002); err != nil {
		t.Fatalf("ApplyVLAN() error = %v", err)
	}
	want := []string{"config", "int gi1/0/1", "sw mode trunk", "sw trunk allowed vlan add 1002", "exit", "exit"}
	if got := cli.commands(); !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %q, want %q", got, want)
	}

	got, err := drv.ReadPortState(ctx, "gi1/0/1")
	if err != nil {
		t.Fatalf("ReadPortState() error = %v", err)
	}
	wantState := []switches.PortVLAN{
		{Channel: switches.ChannelNative, VLAN: 1001},
		{Channel: "vlan/1002", VLAN: 1002},
	}
	if !reflect.DeepEqual(got, wantState) {
		t.Errorf("ReadPortState() = %v, want %v", got, wantState)
	}

	// Re-applying leaves the port unchanged.
	drv.ApplyVLAN(ctx, "gi1/0/1", 1002)
	again, _ := drv.ReadPortState(ctx, "gi1/0/1")
	if !reflect.DeepEqual(again, wantState) {
		t.Errorf("after re-apply ReadPortState() = %v", again)
	}

	if err := drv.ClearNative(ctx, "gi1/0/1", 1001); err != nil {
		t.Fatal(err)
	}
	if err := drv.RemoveVLAN(ctx, "gi1/0/1", 1002); err != nil {
		t.Fatal(err)
	}
	empty, err := drv.ReadPortState(ctx, "gi1/0/1")
	if err != nil || len(empty) != 0 {
		t.Errorf("ReadPortState() after clear = %v, %v", empty, err)
	}
}

func TestReadPortStatePaginatedAndWrapped(t *testing.T) {
	ctx := context.Background()
	cli := &fakeCLI{hostname: "console", privileged: true, paginate: true}
	cli.ports = map[string]*fakePort{
		"te1/0/4": {allowed: map[int]bool{10: true, 20: true, 21: true, 22: true, 30: true, 40: true}},
	}
	drv := openFake(t, PowerConnect(cli.dial), pcConfig)

	got, err := drv.ReadPortState(ctx, "te1/0/4")
	if err != nil {
		t.Fatalf("ReadPortState() error = %v", err)
	}
	var vlans []int
	for _, pv := range got {
		if pv.Channel == switches.ChannelNative {
			t.Errorf("unexpected native entry %v", pv)
		}
		vlans = append(vlans, pv.VLAN)
	}
	if want := []int{10, 20, 21, 22, 30, 40}; !reflect.DeepEqual(vlans, want) {
		t.Errorf("VLANs = %v, want %v", vlans, want)
	}
}

func TestN3000ParksOnDummyVLAN(t *testing.T) {
	ctx := context.Background()
	cli := &fakeCLI{hostname: "n3048", privileged: true, altKeys: true}
	cfg := switches.Config{Name: "n3k", Type: TypeN3000, Hostname: "10.0.0.3", Username: "admin", DummyVLAN: 2999}
	drv := openFake(t, N3000(cli.dial), cfg)

	drv.SetNative(ctx, "gi1/0/7", 0, 1001)
	cli.reset()
	if err := drv.ClearNative(ctx, "gi1/0/7", 1001); err != nil {
		t.Fatal(err)
	}
	cmds := cli.commands()
	if cmds[len(cmds)-3] != "sw trunk native vlan 2999" {
		t.Errorf("commands = %q, want native parked on dummy", cmds)
	}

	got, err := drv.ReadPortState(ctx, "gi1/0/7")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("ReadPortState() = %v, want dummy hidden", got)
	}
}

func TestRejectedCommandRecovers(t *testing.T) {
	ctx := context.Background()
	cli := &fakeCLI{hostname: "console", privileged: true, rejectVLAN: 4000}
	drv := openFake(t, PowerConnect(cli.dial), pcConfig)

	err := drv.ApplyVLAN(ctx, "gi1/0/2", 4000)
	var perr *util.SwitchProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("ApplyVLAN() = %v, want protocol error", err)
	}
	if !strings.Contains(perr.Output, "does not exist") {
		t.Errorf("Output = %q", perr.Output)
	}

	if err := drv.ApplyVLAN(ctx, "gi1/0/2", 1001); err != nil {
		t.Errorf("session unusable after rejected command: %v", err)
	}
}

func TestPersistConfig(t *testing.T) {
	cli := &fakeCLI{hostname: "console", privileged: true}
	drv := openFake(t, PowerConnect(cli.dial), pcConfig)
	if err := drv.PersistConfig(context.Background()); err != nil {
		t.Fatalf("PersistConfig() error = %v", err)
	}
	cli.mu.Lock()
	defer cli.mu.Unlock()
	if cli.saves != 1 {
		t.Errorf("saves = %d, want 1", cli.saves)
	}
}

func TestRunningConfig(t *testing.T) {
	ctx := context.Background()
	cli := &fakeCLI{hostname: "console", privileged: true}
	drv := openFake(t, PowerConnect(cli.dial), pcConfig)
	drv.ApplyVLAN(ctx, "gi1/0/9", 1001)

	cfg, err := drv.RunningConfig(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(cfg, "!Current Configuration:") || !strings.Contains(cfg, "interface gi1/0/9") {
		t.Errorf("RunningConfig() = %q", cfg)
	}
	cmds := cli.commands()
	if cmds[len(cmds)-1] != "terminal length 24" {
		t.Errorf("paging not restored: %q", cmds)
	}
}

func TestFamilyValidation(t *testing.T) {
	tests := []struct {
		name    string
		family  switches.Family
		cfg     switches.Config
		wantErr bool
	}{
		{"powerconnect ok", PowerConnect(nil), pcConfig, false},
		{"powerconnect missing host", PowerConnect(nil), switches.Config{Username: "a"}, true},
		{"powerconnect with dummy", PowerConnect(nil), switches.Config{Hostname: "h", Username: "a", DummyVLAN: 5}, true},
		{"n3000 ok", N3000(nil), switches.Config{Type: TypeN3000, Hostname: "h", Username: "a", DummyVLAN: 2999}, false},
		{"n3000 no dummy", N3000(nil), switches.Config{Type: TypeN3000, Hostname: "h", Username: "a"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.family.Validate(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	for _, label := range []string{"gi1/0/1", "te1/0/48", "Gi1/0/1"} {
		if err := validatePort(label); err != nil {
			t.Errorf("validatePort(%q) = %v", label, err)
		}
	}
	for _, label := range []string{"", "eth0", "gi1/0/1/2/3", "gi 1/0/1"} {
		if err := validatePort(label); err == nil {
			t.Errorf("validatePort(%q) accepted", label)
		}
	}
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestCloseLogsFailedLogout(t *testing.T) {
	out, level := util.Logger.Out, util.Logger.Level
	defer func() {
		util.Logger.SetOutput(out)
		util.Logger.SetLevel(level)
	}()
	var buf bytes.Buffer
	util.Logger.SetOutput(&buf)
	util.Logger.SetLevel(logrus.DebugLevel)

	closed := false
	closer := closerFunc(func() error {
		closed = true
		return nil
	})
	drv := &Driver{
		cfg:     pcConfig,
		session: console.NewSession("pc0", strings.NewReader(""), brokenWriter{}, closer, time.Second),
	}
	if err := drv.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
	if !closed {
		t.Error("session not closed after failed logout")
	}
	if !strings.Contains(buf.String(), "logging out") || !strings.Contains(buf.String(), "pc0") {
		t.Errorf("log = %q, want failed logout for pc0", buf.String())
	}
}
