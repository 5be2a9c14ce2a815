// Package ir provides the foundational types shared by the offline mutation
// engine and its feature instantiations.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Entity identity is the EntityID sum type (Local | Remote), never a bare sign check
//   - Payloads are concrete per-kind types behind the Payload interface
//   - Stored payloads use canonical JSON (sorted keys, NFC strings, no floats, no null)
//   - All JSON tags use snake_case
package ir
