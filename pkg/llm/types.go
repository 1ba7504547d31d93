// Package llm is the client boundary for the external LLM endpoint:
// a minimal chat interface (client.go), the OpenAI-compatible
// implementation (openai.go), and the JSON-answer invocation wrapper
// with retries/timeout/disabled-mode (invoke.go).
package llm
