// Package providers holds the generation provider clients.
//
// The factory creates clients based on provider configuration.
// Currently supported:
//   - anthropic: Claude text generation (LLM nodes)
//   - prediction: HTTP prediction API for image and video models
//   - speech: HTTP text-to-speech API
//
// Every client maps provider failures onto domain.ProcessingError so the
// orchestrator's retry and rate-limit policies apply uniformly.
package providers
