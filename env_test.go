// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package activemsg

import (
	"os"
	"testing"
	"time"
)

func setenv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if had {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func TestConfigFromEnv(t *testing.T) {
	setenv(t, "ACTIVEMSG_BUFFER_CAPACITY", "4096")
	setenv(t, "ACTIVEMSG_SEND_BUDGET", "65536")
	setenv(t, "ACTIVEMSG_IRECV_COUNT", "3")
	setenv(t, "ACTIVEMSG_ROUTING", "node-group")
	setenv(t, "ACTIVEMSG_RANKS_PER_NODE", "2")
	setenv(t, "ACTIVEMSG_WELCOME", "1")
	setenv(t, "ACTIVEMSG_WATCHDOG", "30s")
	cfg := configFromEnv(1)
	if cfg.BufferCapacity != 4096 || cfg.SendBudget != 65536 || cfg.IrecvCount != 3 {
		t.Errorf("bad buffer tunables: %+v", cfg)
	}
	if cfg.Routing != RoutingNodeGroup || cfg.RanksPerNode != 2 {
		t.Errorf("bad routing tunables: %+v", cfg)
	}
	if !cfg.Welcome || cfg.Watchdog != 30*time.Second {
		t.Errorf("bad misc tunables: %+v", cfg)
	}
}

func TestConfigFallback(t *testing.T) {
	setenv(t, "ACTIVEMSG_BUFFER_CAPACITY", "not-a-number")
	setenv(t, "ACTIVEMSG_ROUTING", "wormhole")
	setenv(t, "ACTIVEMSG_WATCHDOG", "-3s")
	def := DefaultConfig()
	cfg := configFromEnv(0)
	if cfg.BufferCapacity != def.BufferCapacity {
		t.Errorf("capacity %d, want default %d", cfg.BufferCapacity, def.BufferCapacity)
	}
	if cfg.Routing != def.Routing {
		t.Errorf("routing %s, want default %s", cfg.Routing, def.Routing)
	}
	if cfg.Watchdog != def.Watchdog {
		t.Errorf("watchdog %s, want default %s", cfg.Watchdog, def.Watchdog)
	}
}

func TestSanitize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferCapacity = 1 << 21
	cfg.IrecvSize = 1 << 20
	cfg.SendBudget = 16
	cfg = cfg.sanitize(1)
	if cfg.BufferCapacity != cfg.IrecvSize {
		t.Errorf("capacity %d not clamped to region size %d", cfg.BufferCapacity, cfg.IrecvSize)
	}
	if cfg.SendBudget < cfg.BufferCapacity {
		t.Errorf("budget %d below one buffer %d", cfg.SendBudget, cfg.BufferCapacity)
	}
}
