package main

import (
	"reflect"
	"testing"
	"time"

	"github.com/hil-network/hil/pkg/cli"
	"github.com/hil-network/hil/pkg/switches/mock"
)

func TestOrNone(t *testing.T) {
	cli.SetColor(false)
	tests := []struct {
		in   []string
		want string
	}{
		{nil, "none"},
		{[]string{"a"}, "a"},
		{[]string{"a", "b"}, "a, b"},
	}
	for _, tt := range tests {
		if got := orNone(tt.in); got != tt.want {
			t.Errorf("orNone(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSortedNames(t *testing.T) {
	got := sortedNames(map[string]int{"net-b": 2, "net-a": 1})
	if want := []string{"net-a", "net-b"}; !reflect.DeepEqual(got, want) {
		t.Errorf("sortedNames() = %v, want %v", got, want)
	}
}

func TestAuditFilter(t *testing.T) {
	auditSwitch, auditLast = "sw0", "1h"
	defer func() { auditSwitch, auditLast = "", "" }()

	f, err := auditFilter()
	if err != nil {
		t.Fatal(err)
	}
	if f.Switch != "sw0" {
		t.Errorf("Switch = %q, want sw0", f.Switch)
	}
	if age := time.Since(f.StartTime); age < time.Hour || age > time.Hour+time.Minute {
		t.Errorf("StartTime is %v ago, want about 1h", age)
	}

	auditLast = "yesterday"
	if _, err := auditFilter(); err == nil {
		t.Error("expected error for bad duration")
	}
}

func TestRegistryTypes(t *testing.T) {
	got := registry().Types()
	want := []string{"dell", "dell-n3000", mock.TypeName, "sonic"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Types() = %v, want %v", got, want)
	}
}
