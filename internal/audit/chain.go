// Package audit implements the append-only, hash-chained audit log.
//
// Every platform event (logins, incident lifecycle changes, triggered
// responses, workflow executions, config, user and permission changes,
// data exports) is recorded as a Record in append-only JSONL files. Each
// record's integrity hash covers its full canonical content plus the
// previous record's hash, forming a chain where tampering with any record
// is detectable from that point forward.
//
// The JSONL files are the source of truth. A SQLite index provides
// filtered queries and can be rebuilt from the files at any time.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// PreviousHashSentinel is the previous_hash of the first record in a
// store. It is exported so independent verifiers can bootstrap a chain
// walk without access to this package's internals.
const PreviousHashSentinel = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// computeHash calculates the integrity hash for a record. The hash covers
// every stored field except integrity_hash itself, plus the previous
// record's hash, so modifying any field invalidates the record and every
// record after it.
//
// Canonical hash input, pipe-joined, UTF-8:
//
//	log_id|seq|timestamp|event_type|actor|actor_role|target_resource|target_type|action|status|description|metadata|previous_hash
//
// Absent optional fields encode as the empty string. The timestamp is
// hashed as its stored RFC3339Nano string, byte for byte. Metadata is
// encoded by canonicalMetadata. Returns "sha256:<hex>".
func computeHash(r *Record) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s|%s|%s|%s|%s|%s|%s|%s|%s",
		r.LogID, r.Seq, r.Timestamp,
		r.EventType, r.Actor, r.ActorRole,
		r.TargetResource, r.TargetType, r.Action, r.Status,
		r.Description, canonicalMetadata(r.Metadata), r.PreviousHash)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// canonicalMetadata encodes a metadata map deterministically: "k=v" pairs
// sorted by key, joined with "&". Values are plain strings, so the
// encoding never depends on number formatting. Nil and empty maps both
// encode as the empty string.
func canonicalMetadata(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m[k])
	}
	return b.String()
}

// seal links a record into the chain: sets previous_hash and computes the
// integrity hash. Pure apart from the two field writes, so an append that
// aborts before commit can rebuild and reseal the record safely.
func seal(r *Record, previousHash string) {
	r.PreviousHash = previousHash
	r.IntegrityHash = computeHash(r)
}

// verifyRecord checks whether a record's stored integrity hash matches
// the hash recomputed from its stored fields and stored previous_hash.
func verifyRecord(r *Record) bool {
	return r.IntegrityHash == computeHash(r)
}
