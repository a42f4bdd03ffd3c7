package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/invisible-tech/hostmon/pkg/service"
)

// ErrInvalid is returned for configuration files that cannot be turned into services
var ErrInvalid = errors.New("invalid configuration")

// maxFileSize bounds the rule tree read from disk
const maxFileSize = 4 << 20

// File is the YAML rule tree
type File struct {
	Daemon   DaemonFile      `yaml:"daemon"`
	Services []ServiceConfig `yaml:"services"`
}

// DaemonFile overrides DaemonConfig values from the environment
type DaemonFile struct {
	Poll       time.Duration `yaml:"poll"`
	StartDelay time.Duration `yaml:"start_delay"`
	HTTPAddr   string        `yaml:"http_addr"`
	StateDir   string        `yaml:"state_dir"`
	Reminder   int           `yaml:"reminder"`
	Collector  struct {
		Endpoint string  `yaml:"endpoint"`
		APIKey   string  `yaml:"api_key"`
		Rate     float64 `yaml:"rate"`
		Burst    int     `yaml:"burst"`
	} `yaml:"collector"`
}

// ServiceConfig describes one service
type ServiceConfig struct {
	Name     string        `yaml:"name"`
	Type     string        `yaml:"type"`
	Path     string        `yaml:"path"`
	Pidfile  string        `yaml:"pidfile"`
	Match    string        `yaml:"match"`
	Address  string        `yaml:"address"`
	Program  CommandConfig `yaml:"program"`
	Mode     string        `yaml:"mode"`
	Every    EveryConfig   `yaml:"every"`
	Start    CommandConfig `yaml:"start"`
	Stop     CommandConfig `yaml:"stop"`
	Restart  CommandConfig `yaml:"restart"`
	Timeout  time.Duration `yaml:"timeout"`
	Reminder *int          `yaml:"reminder"`
	// On overrides the action of implicit events, keyed by event name
	On    map[string]ActionPair `yaml:"on"`
	Rules []RuleConfig          `yaml:"rules"`
}

// EveryConfig restricts a service to a subset of cycles
type EveryConfig struct {
	Cycles int    `yaml:"cycles"`
	Cron   string `yaml:"cron"`
}

// CommandConfig is a command line, either a string split on spaces or a list
type CommandConfig []string

// UnmarshalYAML accepts a scalar or a sequence
func (c *CommandConfig) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*c = strings.Fields(node.Value)
		return nil
	case yaml.SequenceNode:
		var args []string
		if err := node.Decode(&args); err != nil {
			return err
		}
		*c = args
		return nil
	}
	return fmt.Errorf("line %d: command must be a string or a list", node.Line)
}

func (c CommandConfig) build(timeout time.Duration) *service.Command {
	if len(c) == 0 {
		return nil
	}
	return &service.Command{Args: []string(c), Timeout: timeout}
}

// ActionConfig is the action run once Count results matched within Cycles
type ActionConfig struct {
	Do     string        `yaml:"do"`
	Exec   CommandConfig `yaml:"exec"`
	Count  int           `yaml:"count"`
	Cycles int           `yaml:"cycles"`
}

// UnmarshalYAML accepts a bare action name such as "restart"
func (a *ActionConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		a.Do = node.Value
		return nil
	}
	type plain ActionConfig
	return node.Decode((*plain)(a))
}

// ActionPair holds the failure action and the optional recovery action
type ActionPair struct {
	Action   *ActionConfig `yaml:"action"`
	Recovery *ActionConfig `yaml:"recovery"`
}

// RuleConfig is one check rule. Check selects the variant; Limit is parsed
// according to it (number, byte size, duration or exit status).
type RuleConfig struct {
	ActionPair `yaml:",inline"`

	Check     string        `yaml:"check"`
	Resource  string        `yaml:"resource"`
	Operator  string        `yaml:"operator"`
	Limit     string        `yaml:"limit"`
	Hash      string        `yaml:"hash"`
	Expect    string        `yaml:"expect"`
	Mode      string        `yaml:"mode"`
	ID        *int          `yaml:"id"`
	Pattern   string        `yaml:"pattern"`
	Not       bool          `yaml:"not"`
	Port      int           `yaml:"port"`
	Protocol  string        `yaml:"protocol"`
	Timeout   time.Duration `yaml:"timeout"`
	Count     int           `yaml:"count"`
	Cycles    int           `yaml:"cycles"`
}

// Load reads and parses the rule tree at path
func Load(ctx context.Context, path string) (*File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer fh.Close()

	data, err := io.ReadAll(io.LimitReader(fh, maxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if len(data) > maxFileSize {
		return nil, fmt.Errorf("%w: %s is larger than %d bytes", ErrInvalid, path, maxFileSize)
	}
	return Parse(data)
}

// Parse decodes a rule tree. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return &f, nil
}

// Apply overrides cfg with the daemon section of the file
func (f *File) Apply(cfg *DaemonConfig) {
	d := f.Daemon
	if d.Poll > 0 {
		cfg.Poll = d.Poll
	}
	if d.StartDelay > 0 {
		cfg.StartDelay = d.StartDelay
	}
	if d.HTTPAddr != "" {
		cfg.HTTPAddr = d.HTTPAddr
	}
	if d.StateDir != "" {
		cfg.StateDir = d.StateDir
	}
	if d.Reminder > 0 {
		cfg.Reminder = d.Reminder
	}
	if d.Collector.Endpoint != "" {
		cfg.CollectorEndpoint = d.Collector.Endpoint
	}
	if d.Collector.APIKey != "" {
		cfg.CollectorAPIKey = d.Collector.APIKey
	}
	if d.Collector.Rate > 0 {
		cfg.CollectorRate = d.Collector.Rate
	}
	if d.Collector.Burst > 0 {
		cfg.CollectorBurst = d.Collector.Burst
	}
}

// Build validates the rule tree and returns the services in file order.
// reminder is the default reminder interval for services without one.
func (f *File) Build(reminder int) ([]*service.Service, error) {
	seen := make(map[string]bool, len(f.Services))
	out := make([]*service.Service, 0, len(f.Services))
	for i := range f.Services {
		sc := &f.Services[i]
		if sc.Name == "" {
			return nil, fmt.Errorf("%w: service #%d has no name", ErrInvalid, i+1)
		}
		if seen[sc.Name] {
			return nil, fmt.Errorf("%w: duplicate service %q", ErrInvalid, sc.Name)
		}
		seen[sc.Name] = true
		s, err := sc.build(reminder)
		if err != nil {
			return nil, fmt.Errorf("%w: service %s: %v", ErrInvalid, sc.Name, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (sc *ServiceConfig) build(reminder int) (*service.Service, error) {
	typ, err := service.ParseType(sc.Type)
	if err != nil {
		return nil, err
	}
	s := service.New(sc.Name, typ)
	s.Path = sc.Path
	s.Address = sc.Address
	s.Reminder = reminder
	if sc.Reminder != nil {
		s.Reminder = *sc.Reminder
	}
	if s.Reminder < 0 {
		return nil, fmt.Errorf("negative reminder")
	}

	switch typ {
	case service.TypeFilesystem, service.TypeFile, service.TypeDirectory, service.TypeFifo:
		if s.Path == "" {
			return nil, fmt.Errorf("%s service needs a path", typ)
		}
	case service.TypeProcess:
		s.Path = sc.Pidfile
		if sc.Match != "" {
			if s.Match, err = regexp.Compile(sc.Match); err != nil {
				return nil, fmt.Errorf("invalid match: %w", err)
			}
		}
		if s.Path == "" && s.Match == nil {
			return nil, fmt.Errorf("process service needs a pidfile or a match")
		}
	case service.TypeHost:
		if s.Address == "" {
			return nil, fmt.Errorf("host service needs an address")
		}
	case service.TypeProgram:
		if s.Program = sc.Program.build(sc.Timeout); s.Program == nil {
			return nil, fmt.Errorf("program service needs a program")
		}
	}

	switch strings.ToLower(sc.Mode) {
	case "", "active":
		s.Mode = service.ModeActive
	case "passive":
		s.Mode = service.ModePassive
	case "manual":
		s.Mode = service.ModeManual
	default:
		return nil, fmt.Errorf("unknown mode %q", sc.Mode)
	}
	if sc.Every.Cycles < 0 {
		return nil, fmt.Errorf("negative every cycles")
	}
	if sc.Every.Cycles > 1 && sc.Every.Cron != "" {
		return nil, fmt.Errorf("every takes either cycles or cron")
	}
	s.Every = service.Every{Cycles: sc.Every.Cycles, Cron: sc.Every.Cron}

	s.Start = sc.Start.build(sc.Timeout)
	s.Stop = sc.Stop.build(sc.Timeout)
	s.Restart = sc.Restart.build(sc.Timeout)

	for name, pair := range sc.On {
		kind, err := service.ParseEventKind(name)
		if err != nil {
			return nil, err
		}
		ea := *s.ActionFor(kind)
		if err := pair.apply(&ea); err != nil {
			return nil, fmt.Errorf("on %s: %w", name, err)
		}
		s.Actions[kind] = &ea
	}

	for i := range sc.Rules {
		r, err := sc.Rules[i].build(typ)
		if err != nil {
			return nil, fmt.Errorf("rule #%d (%s): %w", i+1, sc.Rules[i].Check, err)
		}
		s.Rules = append(s.Rules, r)
	}
	return s, nil
}

func (p ActionPair) apply(ea *service.EventAction) error {
	if p.Action != nil {
		if err := p.Action.apply(&ea.Failed); err != nil {
			return err
		}
	}
	if p.Recovery != nil {
		if err := p.Recovery.apply(&ea.Succeeded); err != nil {
			return fmt.Errorf("recovery: %w", err)
		}
	}
	return nil
}

func (a *ActionConfig) apply(dst *service.Action) error {
	if a.Do != "" {
		kind, err := service.ParseAction(a.Do)
		if err != nil {
			return err
		}
		dst.Kind = kind
	}
	if a.Count < 0 || a.Cycles < 0 {
		return fmt.Errorf("negative count or cycles")
	}
	if a.Count > 0 {
		dst.Count = a.Count
	}
	if a.Cycles > 0 {
		dst.Cycles = a.Cycles
	}
	if a.Cycles > service.StateMapSize || dst.Count > dst.Window() {
		return fmt.Errorf("%d times within %d cycles cannot be tracked", dst.Count, dst.Cycles)
	}
	dst.Exec = a.Exec.build(0)
	if dst.Kind == service.ActionExec && dst.Exec == nil {
		return fmt.Errorf("exec action needs a command")
	}
	return nil
}

var ruleTypes = map[string][]service.Type{
	"resource":   {service.TypeProcess, service.TypeSystem},
	"filesystem": {service.TypeFilesystem},
	"size":       {service.TypeFile},
	"checksum":   {service.TypeFile},
	"match":      {service.TypeFile},
	"timestamp":  {service.TypeFile, service.TypeDirectory, service.TypeFifo},
	"uptime":     {service.TypeProcess, service.TypeSystem},
	"status":     {service.TypeProgram},
	"permission": {service.TypeFile, service.TypeDirectory, service.TypeFifo, service.TypeFilesystem},
	"uid":        {service.TypeFile, service.TypeDirectory, service.TypeFifo, service.TypeFilesystem, service.TypeProcess},
	"euid":       {service.TypeProcess},
	"gid":        {service.TypeFile, service.TypeDirectory, service.TypeFifo, service.TypeFilesystem, service.TypeProcess},
	"port":       {service.TypeHost},
	"icmp":       {service.TypeHost},
	"actionrate": {service.TypeProcess},
}

func (rc *RuleConfig) build(typ service.Type) (service.Rule, error) {
	check := strings.ToLower(rc.Check)
	types, ok := ruleTypes[check]
	if !ok {
		return nil, fmt.Errorf("unknown check %q", rc.Check)
	}
	allowed := false
	for _, t := range types {
		allowed = allowed || t == typ
	}
	if !allowed {
		return nil, fmt.Errorf("check %s does not apply to %s services", check, typ)
	}

	ea := service.DefaultEventAction(service.ActionAlert)
	if err := rc.ActionPair.apply(&ea); err != nil {
		return nil, err
	}
	op := service.OpGreater
	if rc.Operator != "" {
		var err error
		if op, err = service.ParseOperator(rc.Operator); err != nil {
			return nil, err
		}
	}

	switch check {
	case "resource":
		res, err := service.ParseResource(rc.Resource)
		if err != nil {
			return nil, err
		}
		limit, err := strconv.ParseFloat(rc.Limit, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid limit %q", rc.Limit)
		}
		return &service.ResourceRule{Resource: res, Operator: op, Limit: limit, Action: ea}, nil
	case "filesystem":
		res, err := service.ParseFilesystemResource(rc.Resource)
		if err != nil {
			return nil, err
		}
		limit, err := strconv.ParseFloat(strings.TrimSuffix(rc.Limit, "%"), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid limit %q", rc.Limit)
		}
		return &service.FilesystemRule{Resource: res, Operator: op, Limit: limit, Action: ea}, nil
	case "size":
		var limit uint64
		if op != service.OpChanged {
			var err error
			if limit, err = ParseBytes(rc.Limit); err != nil {
				return nil, err
			}
		}
		return &service.SizeRule{Operator: op, Limit: limit, Action: ea}, nil
	case "timestamp", "uptime":
		var limit time.Duration
		if op != service.OpChanged {
			var err error
			if limit, err = time.ParseDuration(rc.Limit); err != nil {
				return nil, fmt.Errorf("invalid limit %q", rc.Limit)
			}
		} else if check == "uptime" {
			return nil, fmt.Errorf("uptime cannot test for changes")
		}
		if check == "uptime" {
			return &service.UptimeRule{Operator: op, Limit: limit, Action: ea}, nil
		}
		return &service.TimestampRule{Operator: op, Limit: limit, Action: ea}, nil
	case "checksum":
		hash, err := service.ParseHash(rc.Hash)
		if err != nil {
			return nil, err
		}
		return &service.ChecksumRule{Hash: hash, Expect: strings.ToLower(rc.Expect), Action: ea}, nil
	case "status":
		limit, err := strconv.Atoi(rc.Limit)
		if err != nil {
			return nil, fmt.Errorf("invalid exit status %q", rc.Limit)
		}
		return &service.StatusRule{Operator: op, Limit: limit, Action: ea}, nil
	case "permission":
		perm, err := strconv.ParseUint(rc.Mode, 8, 32)
		if err != nil || perm > 07777 {
			return nil, fmt.Errorf("invalid permission %q", rc.Mode)
		}
		return &service.PermissionRule{Perm: os.FileMode(perm), Action: ea}, nil
	case "uid", "euid":
		if rc.ID == nil {
			return nil, fmt.Errorf("%s needs an id", check)
		}
		return &service.UIDRule{UID: *rc.ID, Effective: check == "euid", Action: ea}, nil
	case "gid":
		if rc.ID == nil {
			return nil, fmt.Errorf("gid needs an id")
		}
		return &service.GIDRule{GID: *rc.ID, Action: ea}, nil
	case "match":
		re, err := regexp.Compile(rc.Pattern)
		if err != nil || rc.Pattern == "" {
			return nil, fmt.Errorf("invalid pattern %q", rc.Pattern)
		}
		return &service.MatchRule{Pattern: re, Not: rc.Not, Action: ea}, nil
	case "port":
		if rc.Port < 1 || rc.Port > 65535 {
			return nil, fmt.Errorf("invalid port %d", rc.Port)
		}
		return &service.PortRule{Port: rc.Port, Protocol: strings.ToLower(rc.Protocol), Timeout: rc.Timeout, Action: ea}, nil
	case "icmp":
		count := rc.Count
		if count < 1 {
			count = 3
		}
		return &service.IcmpRule{Count: count, Timeout: rc.Timeout, Action: ea}, nil
	case "actionrate":
		if rc.Count < 1 || rc.Cycles < rc.Count {
			return nil, fmt.Errorf("actionrate needs count <= cycles")
		}
		return &service.ActionRateRule{Count: rc.Count, Cycles: rc.Cycles, Action: ea}, nil
	}
	panic("unreachable: check " + check)
}

// ParseBytes parses sizes such as "512", "10 KB" or "1.5GB" (binary multiples)
func ParseBytes(s string) (uint64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	mult := uint64(1)
	for _, u := range []struct {
		suffix string
		mult   uint64
	}{{"TB", 1 << 40}, {"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"B", 1}} {
		if strings.HasSuffix(s, u.suffix) {
			s, mult = strings.TrimSpace(strings.TrimSuffix(s, u.suffix)), u.mult
			break
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return uint64(v * float64(mult)), nil
}
