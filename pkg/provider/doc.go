// Package provider is a uniform adapter over the supported LLM vendors.
//
// Every vendor is exposed through Client with the same request and response
// shape:
//   - Generate makes one call and returns the finish reason, the assistant
//     message and any tool calls.
//   - Stream does the same while forwarding text chunks to a StreamSink.
//
// Tool schemas are given as a ToolSet and normalized into JSON schema before
// each vendor converts them to its own representation.
//
// MessageRecorder is the sink used by the agent loop. It persists the in-flight
// assistant message chunk by chunk and appends CancellationMarker when the
// stream is cancelled.
package provider
