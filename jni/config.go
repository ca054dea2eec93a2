package jni

import (
	"fmt"
	"log/slog"

	"golang.org/x/mod/semver"
)

// Config controls how a VM is brought up. Config values are immutable: each
// With method returns a modified copy.
type Config struct {
	logger     *slog.Logger
	policy     DisposalPolicy
	mapping    TypeMapping
	minVersion string
}

func NewConfig() *Config {
	return &Config{
		logger:     slog.New(slog.DiscardHandler),
		policy:     ImmediatePolicy{},
		minVersion: "v1.2",
	}
}

func (c *Config) clone() *Config {
	ret := *c
	return &ret
}

// WithLogger sets the logger for attach/detach, class metadata and disposal
// records. A nil logger discards.
func (c *Config) WithLogger(logger *slog.Logger) *Config {
	ret := c.clone()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ret.logger = logger
	return ret
}

func (c *Config) WithDisposalPolicy(p DisposalPolicy) *Config {
	ret := c.clone()
	if p == nil {
		p = ImmediatePolicy{}
	}
	ret.policy = p
	return ret
}

// WithTypeMapping installs an extension consulted after the builtin type
// resolution rules.
func (c *Config) WithTypeMapping(m TypeMapping) *Config {
	ret := c.clone()
	ret.mapping = m
	return ret
}

// WithMinVersion sets the oldest foreign interface version accepted, as a
// semantic version such as "v1.6".
func (c *Config) WithMinVersion(v string) *Config {
	ret := c.clone()
	ret.minVersion = v
	return ret
}

// VersionString renders a packed interface version (0x00010006) as a
// semantic version ("v1.6").
func VersionString(v int32) string {
	return fmt.Sprintf("v%d.%d", uint32(v)>>16, uint32(v)&0xffff)
}

func (c *Config) checkVersion(v int32) error {
	if !semver.IsValid(c.minVersion) {
		return fmt.Errorf("invalid minimum version %q", c.minVersion)
	}
	got := VersionString(v)
	if semver.Compare(got, c.minVersion) < 0 {
		return fmt.Errorf("foreign runtime version %s is older than required %s", got, c.minVersion)
	}
	return nil
}
