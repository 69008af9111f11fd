// Package model defines the provider-agnostic text generation contract used
// by workflow stages, plus helpers for testing and instrumentation.
//
// Core goals:
//   - A single Generate(prompt, kind) call; stages never see vendor SDKs
//   - Kind-specific system prompts so providers stay interchangeable
//   - Lightweight scripted mocking for tests (MockGenerator)
//
// Providers (model/anthropic, model/openai) implement Generator so the
// engine remains decoupled from vendor SDKs.
package model
