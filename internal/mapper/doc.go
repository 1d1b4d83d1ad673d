// Package mapper resolves public model names to provider targets and
// session endpoints.
//
// Two JSONC tables drive resolution: the model table maps a public name to
// a "<provider-id>:<type>" value, and the session pool table maps a name
// to one or more session endpoints (session id, message id, interaction
// mode). Resolve draws one pool entry uniformly at random per call,
// falling back to the "default" pool when the model has none of its own
// and fallback is enabled. Entries still carrying starter-file "YOUR_"
// placeholders are treated as absent.
//
// The tables are read-only at request time. Load replaces them wholesale;
// RecordCapture persists a harvested session endpoint and reloads. The
// package also extracts the provider's model catalog from captured page
// HTML for operator reference.
package mapper
