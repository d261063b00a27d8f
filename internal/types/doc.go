/*
Package types defines the request and response records shared by the
HTTP client, the session manager and the scenarios.

# Request Types

HttpRequest:
  - One call issued by a virtual user
  - Method, URL, headers, body
  - Latency class ("fast", "default", "llm", "sse") or explicit timeout
  - Metric tags, "name" being the one thresholds usually filter on

# Response Types

RequestResult:
  - Status, headers, body
  - Duration and size measurements
  - TimedOut and Error for calls that never produced a response

A RequestResult is always returned, even on network failure. Callers
inspect Error and Status instead of handling a Go error, so a failed call
becomes a failed check rather than an aborted iteration.
*/
package types
