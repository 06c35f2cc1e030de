package main

import (
	"testing"

	"github.com/palaverhq/palaver/internal/config"
	"github.com/palaverhq/palaver/internal/infra"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	if !names["serve"] {
		t.Fatal("expected subcommand \"serve\" to be registered")
	}
}

func TestBuildProvider(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.DefaultProvider = "openai"
	if _, err := buildProvider(cfg); err != nil {
		t.Errorf("openai provider: %v", err)
	}

	cfg.LLM.DefaultProvider = "anthropic"
	if _, err := buildProvider(cfg); err != nil {
		t.Errorf("anthropic provider: %v", err)
	}

	cfg.LLM.DefaultProvider = "mystery"
	if _, err := buildProvider(cfg); err == nil {
		t.Error("unknown provider must be rejected")
	}
}

func TestBuildStores(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Driver = "memory"
	set, err := buildStores(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = set.Close() }()
	if set.Conversations == nil || set.Definitions == nil || set.Policies == nil {
		t.Error("store set incomplete")
	}
}

func TestBreakerStateValue(t *testing.T) {
	if breakerStateValue(infra.CircuitClosed) != 0 ||
		breakerStateValue(infra.CircuitOpen) != 1 ||
		breakerStateValue(infra.CircuitHalfOpen) != 2 {
		t.Error("breaker state mapping changed")
	}
}
