// Package llm defines the natural-language understanding contract used to
// turn freeform chat text into an intent payload, together with the payload
// decoder and a provider fallback chain. Concrete providers live in the
// openai (OpenAI-compatible HTTP APIs such as Groq) and pythonbridge
// subpackages.
package llm
