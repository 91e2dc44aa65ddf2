// Package cortex is a scheduler-driven conversational agent core for Go.
//
// It provides modular, interface-driven building blocks: a graph-shaped
// knowledge store, a Model Context Protocol tool broker, pluggable LLM
// providers, a summarizing conversation orchestrator, a recurring task
// scheduler, and a WebSocket forwarder for external clients.
//
// # Core Interfaces
//
// The root package defines the contracts every component implements:
//
//   - [KnowledgeStore] — persistent Chat/Message/Node/Edge/Task graph
//   - [ModelProvider] — LLM backend (chat turns, tool-schema preparation)
//   - [Forwarder] — external transport boundary (see forwarder/websocket)
//
// # Included Implementations
//
// Providers: provider/openaicompat (any OpenAI-compatible API),
// provider/gemini (Google Gemini). Storage: store/sqlite, store/postgres.
// Forwarders: forwarder/websocket.
//
// See cmd/cortexd for a complete reference application.
package cortex
