/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package natstest runs an embedded JetStream-enabled NATS server for tests.
package natstest

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Start runs an embedded NATS server built from opts on a random local
// port. It is shut down with the test.
func Start(t testing.TB, opts *server.Options) *server.Server {
	t.Helper()

	opts.Host = "127.0.0.1"
	opts.Port = -1
	opts.NoLog = true
	opts.NoSigs = true

	if opts.JetStream && opts.StoreDir == "" {
		opts.StoreDir = t.TempDir()
	}

	srv, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("start nats server: %v", err)
	}

	go srv.Start()

	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatal("nats server not ready")
	}

	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})

	return srv
}

// RunServer starts an embedded NATS server with JetStream in a temp dir and
// returns a connected client. Both are torn down with the test.
func RunServer(t testing.TB) *nats.Conn {
	t.Helper()

	srv := Start(t, &server.Options{JetStream: true})

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect to nats: %v", err)
	}

	t.Cleanup(nc.Close)

	return nc
}
