package state

import (
	"github.com/clawnet/claw-node/pkg/events"
	"github.com/clawnet/claw-node/pkg/protocol"
)

// ReputationRecord is one committed review.
type ReputationRecord struct {
	Issuer    string `json:"issuer"`
	Dimension string `json:"dimension"`
	Score     int    `json:"score"`
	Ref       string `json:"ref,omitempty"`
	Comment   string `json:"comment,omitempty"`
	EventHash string `json:"eventHash"`
	At        int64  `json:"at"`
}

// DimensionAggregate keeps the running arithmetic mean per dimension.
type DimensionAggregate struct {
	Count uint64 `json:"count"`
	Sum   uint64 `json:"sum"`
}

// AvgTenths returns the mean score in tenths (10..50), 0 when empty.
func (d DimensionAggregate) AvgTenths() uint64 {
	if d.Count == 0 {
		return 0
	}
	return d.Sum * 10 / d.Count
}

// ReputationSubject is the derived reputation of one DID.
type ReputationSubject struct {
	Subject    string                        `json:"subject"`
	Dimensions map[string]DimensionAggregate `json:"dimensions"`
	Records    []ReputationRecord            `json:"records"`
	// refSeen guards (issuer, ref, dimension) uniqueness.
	refSeen map[string]bool
}

func refKey(issuer, ref, dimension string) string {
	return issuer + "|" + ref + "|" + dimension
}

func (r *ReputationSubject) cloneSubject() *ReputationSubject {
	c := *r
	c.Dimensions = copyMap(r.Dimensions)
	c.Records = append([]ReputationRecord(nil), r.Records...)
	c.refSeen = copyMap(r.refSeen)
	return &c
}

func canApplyReputation(st *State, env *events.Envelope, p events.Validator) *protocol.Error {
	pl, ok := p.(*events.ReputationRecordPayload)
	if !ok {
		return protocol.Errf(protocol.KindInvalid, protocol.CodeUnknownType, "unexpected reputation payload %T", p)
	}
	if env.Issuer == pl.Subject {
		return conflict(protocol.CodeBadTransition, "self-review is not allowed")
	}
	if pl.Ref != "" {
		if subj := st.Reputation[pl.Subject]; subj != nil && subj.refSeen[refKey(env.Issuer, pl.Ref, pl.Dimension)] {
			return protocol.Errf(protocol.KindDuplicate, protocol.CodeDuplicateCreate,
				"issuer already reviewed ref %s on dimension %s", pl.Ref, pl.Dimension)
		}
	}
	return nil
}

func applyReputation(ns *State, env *events.Envelope, p events.Validator) {
	pl := p.(*events.ReputationRecordPayload)
	ns.Reputation = copyMap(ns.Reputation)

	subj := ns.Reputation[pl.Subject]
	if subj == nil {
		subj = &ReputationSubject{
			Subject:    pl.Subject,
			Dimensions: map[string]DimensionAggregate{},
			refSeen:    map[string]bool{},
		}
	} else {
		subj = subj.cloneSubject()
	}
	ns.Reputation[pl.Subject] = subj

	agg := subj.Dimensions[pl.Dimension]
	agg.Count++
	agg.Sum += uint64(pl.Score)
	subj.Dimensions[pl.Dimension] = agg

	subj.Records = append(subj.Records, ReputationRecord{
		Issuer:    env.Issuer,
		Dimension: pl.Dimension,
		Score:     pl.Score,
		Ref:       pl.Ref,
		Comment:   pl.Comment,
		EventHash: env.Hash,
		At:        env.TS,
	})
	if pl.Ref != "" {
		subj.refSeen[refKey(env.Issuer, pl.Ref, pl.Dimension)] = true
	}
}

// overallAvgTenths averages across all dimensions with records.
func (r *ReputationSubject) overallAvgTenths() uint64 {
	var sum, count uint64
	for _, agg := range r.Dimensions {
		sum += agg.Sum
		count += agg.Count
	}
	if count == 0 {
		return 0
	}
	return sum * 10 / count
}
