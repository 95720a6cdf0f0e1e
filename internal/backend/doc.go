// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backend provides the model backend boundary for the governor.
//
// A backend is an opaque asynchronous completion function with latency and
// failure modes; the governor neither knows nor cares whether it talks to a
// local Ollama server or a cloud provider through OpenRouter.
//
// # Key Types
//
//   - Completer: the single-operation backend interface
//   - OllamaClient: local inference over the Ollama HTTP API
//   - OpenRouterClient: cloud inference with retry and backoff
//
// All failures surface as errors to the governor, which converts them to
// "no suggestion"; nothing in this package ever reaches the editor directly.
package backend
