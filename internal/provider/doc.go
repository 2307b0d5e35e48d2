// Package provider abstracts the wired LLM backends behind one streaming
// interface.
//
// Every backend satisfies Provider: a model catalog plus CreateCompletion,
// which turns a CompletionRequest (messages, tool schemas, sampling knobs)
// into a CompletionStream of parsed chunks. Three concrete adapters exist,
// all built on Eino chat models: AnthropicProvider (native block-stream
// family, optionally via AWS Bedrock), OpenAIProvider (chat-completions
// family, also serving any OpenAI-compatible gateway via BaseURL), and
// ArkProvider (Volcengine Ark, chat-completions family).
//
// A Registry maps provider ids to instances and resolves models.
// InitializeProviders builds it from config: each provider entry selects
// its wire family either explicitly ("family": "anthropic" |
// "openai" | "openai-compatible") or by inference from a well-known
// provider name, and ANTHROPIC_API_KEY / OPENAI_API_KEY auto-register
// their providers when the config doesn't mention them.
//
// Upstream failures classify through Classify/StreamError into a small
// taxonomy (context-too-long, rate-limited, auth, malformed-stream). The
// session loop branches only on context-too-long (one compact-and-retry);
// every other error is retried with backoff by the caller, and the class
// only labels the ProviderError event.
package provider
