// Package server assembles the bridge's single HTTP listener: the
// OpenAI-style API under /v1, the browser tunnel WebSocket endpoint, the
// operator side-channel under /internal, and health probes.
//
// The API shapes broker event streams into either SSE chunk streams or
// aggregated completion bodies and maps pipeline errors onto HTTP
// statuses. The side-channel drives session capture and model catalog
// refresh against the remote agent and is exempt from bearer auth.
//
// The listener is plain TCP by default; with tailscale enabled the server
// joins a tailnet through tsnet and serves on it instead, optionally over
// a public Funnel.
package server
