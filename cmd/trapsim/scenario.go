package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/tinyrange/trapcore/internal/hv"
	"github.com/tinyrange/trapcore/internal/hv/exit"
	"github.com/tinyrange/trapcore/internal/hv/trapmap"
	"github.com/tinyrange/trapcore/internal/trap"
	"gopkg.in/yaml.v3"
)

// Scenario is a scripted sequence of host traps and guest exits.
type Scenario struct {
	Name  string        `yaml:"name"`
	Host  HostScenario  `yaml:"host"`
	Guest GuestScenario `yaml:"guest"`
}

type Range struct {
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
}

type HostScenario struct {
	// Mapped is the user memory the fault handler can populate.
	Mapped []Range `yaml:"mapped,omitempty"`
	// Handled lists the exception types the user exception port accepts.
	Handled []string   `yaml:"handled,omitempty"`
	Traps   []HostTrap `yaml:"traps,omitempty"`
	IRQs    []HostIRQ  `yaml:"irqs,omitempty"`
}

type HostTrap struct {
	Name            string `yaml:"name"`
	ESR             uint32 `yaml:"esr"`
	User            bool   `yaml:"user"`
	FAR             uint64 `yaml:"far,omitempty"`
	ELR             uint64 `yaml:"elr,omitempty"`
	USP             uint64 `yaml:"usp,omitempty"`
	DataFaultResume uint64 `yaml:"dataFaultResume,omitempty"`
	Signaled        bool   `yaml:"signaled,omitempty"`
	// Expect is "resume", "redirect" or "halt".
	Expect string `yaml:"expect,omitempty"`
}

type HostIRQ struct {
	Name     string `yaml:"name"`
	CPU      int    `yaml:"cpu,omitempty"`
	User     bool   `yaml:"user"`
	Signaled bool   `yaml:"signaled,omitempty"`
	Preempt  bool   `yaml:"preempt,omitempty"`
}

type GuestScenario struct {
	Traps  []GuestTrap    `yaml:"traps,omitempty"`
	Memory []MemoryInit   `yaml:"memory,omitempty"`
	VCPUs  []VCPUScenario `yaml:"vcpus"`
}

type GuestTrap struct {
	Kind string `yaml:"kind"`
	Addr uint64 `yaml:"addr"`
	Size uint64 `yaml:"size"`
	Key  uint64 `yaml:"key"`
	Port bool   `yaml:"port,omitempty"`
}

// MemoryInit writes little-endian words into guest RAM before any vCPU
// runs, typically translation tables.
type MemoryInit struct {
	Addr  uint64   `yaml:"addr"`
	Words []uint64 `yaml:"words"`
}

type VCPUScenario struct {
	Registers map[string]uint64 `yaml:"registers,omitempty"`
	Exits     []GuestExit       `yaml:"exits"`
}

type GuestExit struct {
	Name      string            `yaml:"name"`
	ESR       uint32            `yaml:"esr"`
	FAR       uint64            `yaml:"far,omitempty"`
	HPFAR     uint64            `yaml:"hpfar,omitempty"`
	Registers map[string]uint64 `yaml:"registers,omitempty"`
	// Expect is an outcome name or "error".
	Expect string `yaml:"expect,omitempty"`
}

func parseTrapKind(s string) (trapmap.Kind, error) {
	switch strings.ToLower(s) {
	case "bell":
		return trapmap.KindBell, nil
	case "mem":
		return trapmap.KindMem, nil
	default:
		return 0, fmt.Errorf("unknown trap kind %q", s)
	}
}

func parseExceptionType(s string) (trap.ExceptionType, error) {
	for t := trap.General; t <= trap.HardwareBreakpoint; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown exception type %q", s)
}

func parseRegisters(in map[string]uint64) (map[hv.Register]uint64, error) {
	out := make(map[hv.Register]uint64, len(in))
	for name, value := range in {
		reg, ok := hv.ParseRegister(name)
		if !ok {
			return nil, fmt.Errorf("unknown register %q", name)
		}
		out[reg] = value
	}
	return out, nil
}

var validOutcomes = map[string]bool{
	"":                    true,
	"error":               true,
	exit.Resume.String():  true,
	exit.Deliver.String(): true,
	exit.Wait.String():    true,
}

func (s *Scenario) validate() error {
	for _, name := range s.Host.Handled {
		if _, err := parseExceptionType(name); err != nil {
			return fmt.Errorf("host: %w", err)
		}
	}
	for i, t := range s.Host.Traps {
		switch t.Expect {
		case "", "resume", "redirect", "halt":
		default:
			return fmt.Errorf("host trap %d (%s): unknown expectation %q", i, t.Name, t.Expect)
		}
	}
	for i, t := range s.Guest.Traps {
		if _, err := parseTrapKind(t.Kind); err != nil {
			return fmt.Errorf("guest trap %d: %w", i, err)
		}
	}
	for i, v := range s.Guest.VCPUs {
		if _, err := parseRegisters(v.Registers); err != nil {
			return fmt.Errorf("vcpu %d: %w", i, err)
		}
		for j, e := range v.Exits {
			if _, err := parseRegisters(e.Registers); err != nil {
				return fmt.Errorf("vcpu %d exit %d (%s): %w", i, j, e.Name, err)
			}
			if !validOutcomes[e.Expect] {
				return fmt.Errorf("vcpu %d exit %d (%s): unknown expectation %q", i, j, e.Name, e.Expect)
			}
		}
	}
	return nil
}

// parseScenario decodes and validates a scenario document.
func parseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("scenario %q: %w", s.Name, err)
	}
	return &s, nil
}

func loadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return parseScenario(data)
}

func (s *Scenario) exitCount() int {
	n := 0
	for _, v := range s.Guest.VCPUs {
		n += len(v.Exits)
	}
	return n + len(s.Host.Traps) + len(s.Host.IRQs)
}
