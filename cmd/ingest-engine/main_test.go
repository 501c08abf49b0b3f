// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"testing"
	"time"

	"github.com/pdiddy/ingest-engine/pkg/types"
)

func TestSourceDeps_UsesConfiguredTimeout(t *testing.T) {
	cfg := types.IngestConfig{}
	cfg.Timeout = 5 * time.Second

	deps := sourceDeps(cfg)
	if deps.Client.Timeout != 5*time.Second {
		t.Errorf("client timeout = %v, want 5s from config", deps.Client.Timeout)
	}
}

func TestSourceDeps_DefaultTimeout(t *testing.T) {
	deps := sourceDeps(types.IngestConfig{})
	if deps.Client.Timeout != 30*time.Second {
		t.Errorf("client timeout = %v, want 30s default", deps.Client.Timeout)
	}
}
