// Package canon provides deterministic JSON serialization and SHA-256
// hashing for content-addressed identity.
//
// Every layer of the kernel that hashes structured data goes through
// MarshalCanonical. Identical logical payloads always produce
// byte-identical output regardless of field insertion order, which is
// what makes artifact and envelope hashes stable across processes and
// replays.
package canon
