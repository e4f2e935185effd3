package datastore

import (
	"fmt"
	"strings"
)

// StoreType bundles a default read and write policy.
type StoreType int

const (
	// StoreSync works offline: reads come from the cache and writes are
	// queued until Push.
	StoreSync StoreType = iota
	// StoreCache answers from the cache, then refreshes from the network,
	// and writes through to the network after queueing.
	StoreCache
	// StoreNetwork always talks to the network and keeps no queue.
	StoreNetwork
)

func (t StoreType) String() string {
	switch t {
	case StoreSync:
		return "sync"
	case StoreCache:
		return "cache"
	case StoreNetwork:
		return "network"
	default:
		return fmt.Sprintf("StoreType(%d)", int(t))
	}
}

// ParseStoreType parses "sync", "cache" or "network".
func ParseStoreType(s string) (StoreType, error) {
	switch strings.ToLower(s) {
	case "sync":
		return StoreSync, nil
	case "cache":
		return StoreCache, nil
	case "network":
		return StoreNetwork, nil
	default:
		return 0, fmt.Errorf("datastore: unknown store type %q (want sync, cache or network)", s)
	}
}

func (t StoreType) policies() (ReadPolicy, WritePolicy) {
	switch t {
	case StoreCache:
		return ReadBoth, WriteLocalThenNetwork
	case StoreNetwork:
		return ReadForceNetwork, WriteForceNetwork
	default:
		return ReadForceLocal, WriteForceLocal
	}
}

// ReadPolicy chooses where reads are answered from.
type ReadPolicy int

const (
	ReadForceLocal ReadPolicy = iota
	ReadForceNetwork
	ReadBoth
)

func (p ReadPolicy) String() string {
	switch p {
	case ReadForceLocal:
		return "local"
	case ReadForceNetwork:
		return "network"
	case ReadBoth:
		return "both"
	default:
		return fmt.Sprintf("ReadPolicy(%d)", int(p))
	}
}

// ParseReadPolicy parses "local", "network" or "both".
func ParseReadPolicy(s string) (ReadPolicy, error) {
	switch strings.ToLower(s) {
	case "local":
		return ReadForceLocal, nil
	case "network":
		return ReadForceNetwork, nil
	case "both":
		return ReadBoth, nil
	default:
		return 0, fmt.Errorf("datastore: unknown read policy %q (want local, network or both)", s)
	}
}

func (p ReadPolicy) mode() mode {
	switch p {
	case ReadForceNetwork:
		return modeNetwork
	case ReadBoth:
		return modeBoth
	default:
		return modeLocal
	}
}

// WritePolicy chooses how writes reach the backend.
type WritePolicy int

const (
	WriteForceLocal WritePolicy = iota
	WriteForceNetwork
	WriteLocalThenNetwork
)

func (p WritePolicy) String() string {
	switch p {
	case WriteForceLocal:
		return "local"
	case WriteForceNetwork:
		return "network"
	case WriteLocalThenNetwork:
		return "local-then-network"
	default:
		return fmt.Sprintf("WritePolicy(%d)", int(p))
	}
}

// ParseWritePolicy parses "local", "network" or "local-then-network".
func ParseWritePolicy(s string) (WritePolicy, error) {
	switch strings.ToLower(s) {
	case "local":
		return WriteForceLocal, nil
	case "network":
		return WriteForceNetwork, nil
	case "local-then-network":
		return WriteLocalThenNetwork, nil
	default:
		return 0, fmt.Errorf("datastore: unknown write policy %q (want local, network or local-then-network)", s)
	}
}

func (p WritePolicy) mode() mode {
	switch p {
	case WriteForceNetwork:
		return modeNetwork
	case WriteLocalThenNetwork:
		return modeBoth
	default:
		return modeLocal
	}
}

// CallOption overrides a collection default for one call.
type CallOption func(*callOptions)

type callOptions struct {
	read         *ReadPolicy
	write        *WritePolicy
	deltaSet     *bool
	autoPaginate *bool
}

// WithReadPolicy overrides the read policy of one call.
func WithReadPolicy(p ReadPolicy) CallOption {
	return func(o *callOptions) { o.read = &p }
}

// WithWritePolicy overrides the write policy of one call.
func WithWritePolicy(p WritePolicy) CallOption {
	return func(o *callOptions) { o.write = &p }
}

// UseDeltaSet overrides delta fetching for one find.
func UseDeltaSet(enabled bool) CallOption {
	return func(o *callOptions) { o.deltaSet = &enabled }
}

// UseAutoPagination overrides auto-pagination for one find.
func UseAutoPagination(enabled bool) CallOption {
	return func(o *callOptions) { o.autoPaginate = &enabled }
}

// fetchPlan is the effective network-read configuration of one call.
type fetchPlan struct {
	deltaSet     bool
	autoPaginate bool
}

func (d *DataStore) resolve(opts []CallOption) (callOptions, fetchPlan) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	plan := fetchPlan{deltaSet: d.deltaSet, autoPaginate: d.autoPagination}

	if o.deltaSet != nil {
		plan.deltaSet = *o.deltaSet
	}

	if o.autoPaginate != nil {
		plan.autoPaginate = *o.autoPaginate
	}

	return o, plan
}

func (d *DataStore) readMode(o callOptions) mode {
	if o.read != nil {
		return o.read.mode()
	}

	return d.readPolicy.mode()
}

func (d *DataStore) writeMode(o callOptions) mode {
	if o.write != nil {
		return o.write.mode()
	}

	return d.writePolicy.mode()
}
