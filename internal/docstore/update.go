package docstore

import (
	"maps"
	"slices"
	"sort"
	"sync/atomic"
	"time"
)

// Push adds refs to a relation set, keeps it ranked and evicts anything
// past Limit.
type Push struct {
	Relation string
	Refs     []Ref
	Limit    int // 0 = unbounded
	Desc     bool
}

// Pull removes ids from a relation set. Absent ids are ignored.
type Pull struct {
	Relation string
	IDs      []string
}

// Update is applied to a single document atomically.
type Update struct {
	Set     map[string]any
	Replace map[string][]Ref
	Push    []Push
	Pull    []Pull
}

func (u Update) IsEmpty() bool {
	return len(u.Set) == 0 && len(u.Replace) == 0 && len(u.Push) == 0 && len(u.Pull) == 0
}

// Apply mutates d in place. Set and Replace run first, then Pull, then Push.
func (u Update) Apply(d *Document) {
	if d.Fields == nil {
		d.Fields = map[string]any{}
	}
	if d.Relations == nil {
		d.Relations = map[string][]Ref{}
	}
	maps.Copy(d.Fields, u.Set)
	for rel, refs := range u.Replace {
		d.Relations[rel] = slices.Clone(refs)
	}
	for _, p := range u.Pull {
		d.Relations[p.Relation] = slices.DeleteFunc(slices.Clone(d.Relations[p.Relation]), func(r Ref) bool {
			return slices.Contains(p.IDs, r.ID)
		})
	}
	for _, p := range u.Push {
		d.Relations[p.Relation] = pushRanked(d.Relations[p.Relation], p)
	}
}

func pushRanked(existing []Ref, p Push) []Ref {
	out := slices.DeleteFunc(slices.Clone(existing), func(r Ref) bool {
		return slices.ContainsFunc(p.Refs, func(n Ref) bool { return n.ID == r.ID })
	})
	out = append(out, p.Refs...)
	RankRefs(out, p.Desc)
	if p.Limit > 0 && len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out
}

// RankRefs orders refs by rank in the given direction. Among equal ranks
// the most recently linked ref comes first.
func RankRefs(refs []Ref, desc bool) {
	sort.SliceStable(refs, func(i, j int) bool {
		c := CompareValues(refs[i].Rank, refs[j].Rank)
		if c != 0 {
			if desc {
				return c > 0
			}
			return c < 0
		}
		return refs[i].Seq > refs[j].Seq
	})
}

var lastSeq atomic.Int64

// NextSeq returns a process-wide, strictly increasing link sequence number.
func NextSeq() int64 {
	for {
		last := lastSeq.Load()
		next := time.Now().UnixNano()
		if next <= last {
			next = last + 1
		}
		if lastSeq.CompareAndSwap(last, next) {
			return next
		}
	}
}
