package audit

import (
	"context"
	"fmt"
)

// FindingKind distinguishes how a verification walk failed at a record.
type FindingKind string

const (
	// FindingHashMismatch: the record's stored integrity hash does not
	// match the hash recomputed from its stored fields. The record
	// itself was modified after sealing.
	FindingHashMismatch FindingKind = "hash_mismatch"

	// FindingLinkBreak: the record's stored previous_hash does not match
	// the predecessor's stored integrity hash. The chain is severed even
	// if the record is internally consistent.
	FindingLinkBreak FindingKind = "link_break"

	// FindingSequenceGap: a sequence number is missing, so at least one
	// record was removed or never committed.
	FindingSequenceGap FindingKind = "sequence_gap"
)

// Finding is one verification failure, anchored to the sequence number
// where the walk detected it.
type Finding struct {
	Seq    uint64      `json:"seq"`
	LogID  string      `json:"log_id,omitempty"`
	Kind   FindingKind `json:"kind"`
	Detail string      `json:"detail"`
}

// VerificationReport is the outcome of a chain walk. Tampering is data
// here, not an error: a compromised chain produces a fully populated
// report, never a failed call.
type VerificationReport struct {
	IsValid        bool      `json:"is_valid"`
	ValidCount     int       `json:"valid_count"`
	TamperedCount  int       `json:"tampered_count"`
	ChainIntegrity bool      `json:"chain_integrity"`
	FirstBreakSeq  uint64    `json:"first_break_sequence,omitempty"`
	Findings       []Finding `json:"findings,omitempty"`
}

// Verify walks the chain in sequence order and checks every record two
// ways: the stored integrity hash must match the hash recomputed from
// the record's own stored fields (tamper check), and the stored
// previous_hash must match the predecessor's stored integrity hash
// (linkage check). Sequence gaps count as chain breaks.
//
// from and to bound the walk inclusively; zero means unbounded. A
// sub-range walk bootstraps its linkage from the record immediately
// preceding the range, read from the store, never from caller input.
//
// chain_integrity is true iff the walk found no findings of any kind,
// and is_valid additionally requires zero tampered records. Reading the
// walk directly off the JSONL files means a store read failure surfaces
// as ErrAvailability, not as a tamper finding.
func (l *Log) Verify(ctx context.Context, from, to uint64) (*VerificationReport, error) {
	if from == 0 {
		from = 1
	}
	if to != 0 && to < from {
		return nil, fmt.Errorf("%w: verify range [%d, %d] is inverted", ErrValidation, from, to)
	}

	all, err := l.readAllRecords()
	if err != nil {
		return nil, err
	}

	// Bootstrap linkage. The sentinel opens the chain; any later start
	// anchors on the predecessor's stored hash.
	prevHash := PreviousHashSentinel
	prevSeq := from - 1
	if from > 1 {
		pred := findBySeq(all, from-1)
		if pred == nil {
			return nil, fmt.Errorf("%w: predecessor record seq %d not in store", ErrNotFound, from-1)
		}
		prevHash = pred.IntegrityHash
	}

	report := &VerificationReport{}
	for i := range all {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		r := &all[i]
		if r.Seq < from || (to != 0 && r.Seq > to) {
			continue
		}

		gapped := r.Seq != prevSeq+1
		if gapped {
			report.addFinding(Finding{
				Seq:    r.Seq,
				LogID:  r.LogID,
				Kind:   FindingSequenceGap,
				Detail: fmt.Sprintf("expected seq %d, found %d", prevSeq+1, r.Seq),
			})
		}

		if expected := computeHash(r); r.IntegrityHash != expected {
			report.TamperedCount++
			report.addFinding(Finding{
				Seq:    r.Seq,
				LogID:  r.LogID,
				Kind:   FindingHashMismatch,
				Detail: fmt.Sprintf("stored %s, recomputed %s", r.IntegrityHash, expected),
			})
		} else {
			report.ValidCount++
		}

		// Linkage against the predecessor's stored hash. Skipped across
		// a gap, which already broke the chain at this seq.
		if !gapped && r.PreviousHash != prevHash {
			report.addFinding(Finding{
				Seq:    r.Seq,
				LogID:  r.LogID,
				Kind:   FindingLinkBreak,
				Detail: fmt.Sprintf("previous_hash %s, predecessor sealed %s", r.PreviousHash, prevHash),
			})
		}

		prevHash = r.IntegrityHash
		prevSeq = r.Seq
	}

	report.ChainIntegrity = len(report.Findings) == 0
	report.IsValid = report.ChainIntegrity && report.TamperedCount == 0
	return report, nil
}

// addFinding appends a finding and pins first_break_sequence to the
// earliest affected record.
func (v *VerificationReport) addFinding(f Finding) {
	if v.FirstBreakSeq == 0 || f.Seq < v.FirstBreakSeq {
		v.FirstBreakSeq = f.Seq
	}
	v.Findings = append(v.Findings, f)
}

func findBySeq(records []Record, seq uint64) *Record {
	for i := range records {
		if records[i].Seq == seq {
			return &records[i]
		}
	}
	return nil
}
