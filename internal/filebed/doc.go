// Package filebed is the auxiliary blob service that externalizes large
// attachments so tunnel payloads stay small. The server half stores
// base64 uploads on disk with SQLite-tracked expiry; the client half is
// what the bridge uses to push attachments and obtain their public URLs.
package filebed
