package discovery

import (
	"lanbus/internal/wire"
)

// Record is one advertised (topic, node) address entry.
type Record struct {
	Topic string
	Addr  string
	Ctrl  string
	PUuid string
	NUuid string
	Scope wire.Scope
}

// Registry indexes address records as topic → process UUID → records, in
// insertion order. It does no locking of its own; the engine's mutex guards
// every access.
type Registry struct {
	topics map[string]map[string][]Record
}

func NewRegistry() *Registry {
	return &Registry{topics: make(map[string]map[string][]Record)}
}

// Add registers an address record. It reports true only when the record was
// newly created; an existing (topic, pUuid, nUuid) entry keeps its fields.
func (r *Registry) Add(topic, addr, ctrl, pUuid, nUuid string, scope wire.Scope) bool {
	procs, ok := r.topics[topic]
	if !ok {
		procs = make(map[string][]Record)
		r.topics[topic] = procs
	}

	for _, rec := range procs[pUuid] {
		if rec.NUuid == nUuid {
			return false
		}
	}

	procs[pUuid] = append(procs[pUuid], Record{
		Topic: topic,
		Addr:  addr,
		Ctrl:  ctrl,
		PUuid: pUuid,
		NUuid: nUuid,
		Scope: scope,
	})
	return true
}

// Get returns the record for (topic, pUuid, nUuid), if any.
func (r *Registry) Get(topic, pUuid, nUuid string) (Record, bool) {
	for _, rec := range r.topics[topic][pUuid] {
		if rec.NUuid == nUuid {
			return rec, true
		}
	}
	return Record{}, false
}

// GetAll returns a copy of every record under topic, keyed by process UUID.
func (r *Registry) GetAll(topic string) map[string][]Record {
	procs, ok := r.topics[topic]
	if !ok {
		return nil
	}
	out := make(map[string][]Record, len(procs))
	for pUuid, recs := range procs {
		cp := make([]Record, len(recs))
		copy(cp, recs)
		out[pUuid] = cp
	}
	return out
}

// Proc returns a copy of the records under (topic, pUuid) in insertion order.
func (r *Registry) Proc(topic, pUuid string) []Record {
	recs := r.topics[topic][pUuid]
	if len(recs) == 0 {
		return nil
	}
	cp := make([]Record, len(recs))
	copy(cp, recs)
	return cp
}

// HasTopic reports whether any process advertises topic.
func (r *Registry) HasTopic(topic string) bool {
	return len(r.topics[topic]) > 0
}

// HasAny reports whether pUuid advertises topic through at least one node.
func (r *Registry) HasAny(topic, pUuid string) bool {
	return len(r.topics[topic][pUuid]) > 0
}

// DelByNode removes the record for (topic, pUuid, nUuid) and prunes empty
// maps behind it. It reports whether a record was removed.
func (r *Registry) DelByNode(topic, pUuid, nUuid string) bool {
	procs, ok := r.topics[topic]
	if !ok {
		return false
	}
	recs := procs[pUuid]
	for i, rec := range recs {
		if rec.NUuid != nUuid {
			continue
		}
		recs = append(recs[:i], recs[i+1:]...)
		if len(recs) == 0 {
			delete(procs, pUuid)
			if len(procs) == 0 {
				delete(r.topics, topic)
			}
		} else {
			procs[pUuid] = recs
		}
		return true
	}
	return false
}

// DelByProc removes every record of pUuid across all topics.
func (r *Registry) DelByProc(pUuid string) {
	for topic, procs := range r.topics {
		if _, ok := procs[pUuid]; !ok {
			continue
		}
		delete(procs, pUuid)
		if len(procs) == 0 {
			delete(r.topics, topic)
		}
	}
}

// Topics returns the advertised topic names, unordered.
func (r *Registry) Topics() []string {
	out := make([]string, 0, len(r.topics))
	for t := range r.topics {
		out = append(out, t)
	}
	return out
}
