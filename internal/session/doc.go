// Package session implements the per-session agent loop and the services
// around it.
//
// A Service owns session CRUD and message persistence; a Processor drives
// turns. One turn streams a completion from the configured provider, builds
// message parts as chunks arrive, executes any tool calls under the
// approval gate, feeds the results back, and repeats until the model stops,
// an error is terminal, or the loop detector breaks the turn.
//
// The pieces:
//
//   - Service: session lifecycle, transcript access, foreground switching,
//     approval responses.
//   - Processor: the loop itself - request building, stream consumption,
//     tool execution, retries, compaction.
//   - Agent: a named profile of prompt, sampling knobs, tool access, and
//     permission policy. DefaultAgent, CodeAgent and PlanAgent are the
//     built-ins.
//   - SystemPrompt: assembles the per-request system text, re-reading the
//     project rules files on every build.
//
// Persistence is hierarchical key-value:
//
//	session/{projectID}/{sessionID}  -> session metadata
//	message/{sessionID}/{messageID}  -> messages
//	part/{messageID}/{partID}        -> parts (text, reasoning, tool, file)
//
// History that outgrows the model's context window is compacted: older
// messages are replaced by a streamed LLM summary that lands in the
// transcript as a visible assistant message. Stream failures retry with
// jittered backoff; a transport that closes without a terminal event gets
// the same request reissued a bounded number of times before the partial
// output is surfaced.
package session
