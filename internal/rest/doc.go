// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-hsm.
//
// go-hsm is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package rest exposes an engine over HTTP.
//
// # Server Setup
//
//	eng, _ := engine.New(config.Default(), nil, nil)
//	server, _ := rest.NewServer(&rest.Config{
//	    Engine:  eng,
//	    Address: "127.0.0.1:8480",
//	    Version: "1.0.0",
//	})
//	go server.Start()
//
//	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
//	defer cancel()
//	server.Stop(ctx)
//
// # API Endpoints
//
// Hashing:
//   - POST /api/v1/hash - Digest of base64 data
//   - POST /api/v1/hmac - HMAC of base64 data under a base64 key
//
// Assets:
//   - POST   /api/v1/assets - Allocate an asset
//   - GET    /api/v1/assets/{id} - Asset information
//   - DELETE /api/v1/assets/{id} - Free an asset
//   - PUT    /api/v1/assets/{id}/plaintext - Load plaintext contents
//   - POST   /api/v1/assets/{id}/random - Load random contents
//   - GET    /api/v1/assets/{id}/public - Read a public static asset
//   - GET    /api/v1/assets/search/{number} - Look up a static asset
//   - GET    /api/v1/rootkey - Root key handle
//
// Counters:
//   - GET  /api/v1/counters/{number} - Read a monotonic counter
//   - POST /api/v1/counters/{number} - Increment a monotonic counter
//
// Policy:
//   - POST /api/v1/policy - Encode a policy bitmask
//
// Health and metrics:
//   - GET /health/live, /health/ready, /health/startup
//   - GET /metrics (when enabled)
//
// Asset handles are accepted in decimal or 0x-prefixed hex and returned
// as 0x-prefixed hex. Binary fields are base64 in requests; digests are
// hex in responses. Every response carries an X-Correlation-ID header.
package rest
