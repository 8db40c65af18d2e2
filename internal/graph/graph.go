// Package graph maintains the derived cross-entity relationships of §4.G:
// talker/listener stream-connection sets, media-clock chains, and channel-
// connection maps. Every edge is keyed by model.EntityID/DescriptorIndex,
// resolved through the Store on each read, never a retained pointer into
// another entity's struct -- matching the teacher's lookup-by-identifier
// discipline (FindOnuBySn/GetPonById) rather than cross-struct pointers.
package graph

import (
	"github.com/sirupsen/logrus"

	"github.com/avcontroller/avcontroller-go/internal/model"
	"github.com/avcontroller/avcontroller-go/internal/store"
)

var graphLogger = logrus.WithFields(logrus.Fields{"module": "graph"})

// EntityResolver is the narrow slice of store.Store the graph package
// needs: looking an entity up by identifier without taking a hard
// dependency on the whole Store surface.
type EntityResolver interface {
	Find(id model.EntityID) (*model.ControlledEntity, bool)
}

// StoreResolver adapts *store.Store to EntityResolver. The guards returned
// by store.Store.Find are reference-only (never held-locked), so dropping
// them without calling Release is safe: Release on an unlocked guard only
// clears the guard's own fields.
type StoreResolver struct {
	Store *store.Store
}

// Find implements EntityResolver.
func (r StoreResolver) Find(id model.EntityID) (*model.ControlledEntity, bool) {
	g, err := r.Store.Find(id)
	if err != nil {
		return nil, false
	}
	return g.Entity(), true
}

// MediaClockNode is one hop in a resolved media-clock chain (§3 invariant 5).
type MediaClockNode struct {
	EntityID model.EntityID
	Domain   model.DescriptorIndex
}

// TerminalReason names why a media-clock chain stopped, per §3 invariant 5 /
// §8 testable property 5: "its last node has one of {Internal, External,
// StreamNotConnected, EntityOffline, UnsupportedClockSource, AemError,
// Recursive}." TerminalNone only appears on a zero-value MediaClockChain that
// was never computed.
type TerminalReason int

const (
	TerminalNone TerminalReason = iota
	TerminalInternal
	TerminalExternal
	TerminalStreamNotConnected
	TerminalEntityOffline
	TerminalUnsupportedClockSource
	TerminalAemError
	TerminalRecursive
)

func (r TerminalReason) String() string {
	switch r {
	case TerminalInternal:
		return "Internal"
	case TerminalExternal:
		return "External"
	case TerminalStreamNotConnected:
		return "StreamNotConnected"
	case TerminalEntityOffline:
		return "EntityOffline"
	case TerminalUnsupportedClockSource:
		return "UnsupportedClockSource"
	case TerminalAemError:
		return "AemError"
	case TerminalRecursive:
		return "Recursive"
	default:
		return "None"
	}
}

// MediaClockChain is the resolved path from a clock domain back to its
// terminal clock source, or a reported cycle. Terminal/Cyclic are kept
// alongside Reason for callers matching only on the Internal/External
// source or the cycle flag; Reason is the exhaustive classification invariant
// 5 requires every chain to end in.
type MediaClockChain struct {
	Nodes    []MediaClockNode
	Terminal *model.ClockSourceDescriptor
	Cyclic   bool
	Reason   TerminalReason
}

// ChannelConnection is one resolved (talker stream/channel) -> (listener
// stream/channel) audio path, derived by joining each side's AudioMapping
// table through the stream connection set.
type ChannelConnection struct {
	TalkerEntity    model.EntityID
	TalkerStream    model.DescriptorIndex
	TalkerChannel   uint16
	ListenerEntity  model.EntityID
	ListenerStream  model.DescriptorIndex
	ListenerChannel uint16
}

// ComputeMediaClockChain walks the clock-domain graph starting at
// (startEntity, startDomain), following ClockSourceInputStream references
// across entities through the stream-connection set, until it reaches a
// terminal source (Internal/External/Expansion) or detects a cycle.
// Invariant 5 requires this to always terminate; maxHops bounds the walk
// defensively in case a misbehaving entity reports a self-referential
// chain that the cycle-detection set alone would not catch fast enough.
func ComputeMediaClockChain(resolver EntityResolver, startEntity model.EntityID, startDomain model.DescriptorIndex, maxHops int) MediaClockChain {
	visited := make(map[MediaClockNode]bool)
	chain := MediaClockChain{}
	entityID, domainIdx := startEntity, startDomain

	for hop := 0; hop < maxHops; hop++ {
		node := MediaClockNode{EntityID: entityID, Domain: domainIdx}
		if visited[node] {
			chain.Cyclic = true
			chain.Reason = TerminalRecursive
			graphLogger.WithFields(logrus.Fields{"entityID": entityID, "domain": domainIdx}).Warn("media clock chain cycle detected")
			return chain
		}
		visited[node] = true
		chain.Nodes = append(chain.Nodes, node)

		entity, ok := resolver.Find(entityID)
		if !ok {
			chain.Reason = TerminalEntityOffline
			return chain
		}
		sm := entity.StaticModel()
		cfg := sm.CurrentConfiguration()
		if cfg == nil {
			chain.Reason = TerminalAemError
			return chain
		}
		var domain *model.ClockDomainDescriptor
		for i := range cfg.ClockDomains {
			if cfg.ClockDomains[i].Index == domainIdx {
				domain = &cfg.ClockDomains[i]
				break
			}
		}
		if domain == nil {
			chain.Reason = TerminalAemError
			return chain
		}
		source := domain.CurrentClockSource()
		if source == nil {
			chain.Reason = TerminalAemError
			return chain
		}
		switch source.Kind {
		case model.ClockSourceInternal:
			chain.Terminal = source
			chain.Reason = TerminalInternal
			return chain
		case model.ClockSourceExternal:
			chain.Terminal = source
			chain.Reason = TerminalExternal
			return chain
		case model.ClockSourceExpansion:
			chain.Reason = TerminalUnsupportedClockSource
			return chain
		case model.ClockSourceInputStream:
			// falls through to the stream-following logic below.
		default:
			chain.Reason = TerminalUnsupportedClockSource
			return chain
		}

		// follow the input stream's talker connection to the next entity.
		dyn := entity.Dynamic()
		info, ok := dyn.StreamInputInfo[source.InputStream]
		if !ok || info.State == model.NotConnected {
			chain.Reason = TerminalStreamNotConnected
			return chain
		}
		nextEntity, ok := resolver.Find(info.Talker.EntityID)
		if !ok {
			chain.Reason = TerminalEntityOffline
			return chain
		}
		nextStreamDesc, nextDomain := findStreamOutputDomain(nextEntity, info.Talker.StreamIndex)
		if nextStreamDesc == nil {
			chain.Reason = TerminalAemError
			return chain
		}
		entityID, domainIdx = info.Talker.EntityID, nextDomain
	}

	chain.Cyclic = true
	chain.Reason = TerminalRecursive
	return chain
}

func findStreamOutputDomain(e *model.ControlledEntity, streamIndex model.DescriptorIndex) (*model.StreamDescriptor, model.DescriptorIndex) {
	sm := e.StaticModel()
	cfg := sm.CurrentConfiguration()
	if cfg == nil {
		return nil, model.InvalidDescriptorIndex
	}
	for i := range cfg.StreamOutputs {
		if cfg.StreamOutputs[i].Index == streamIndex {
			return &cfg.StreamOutputs[i], cfg.StreamOutputs[i].ClockDomainIdx
		}
	}
	return nil, model.InvalidDescriptorIndex
}

// ComputeChannelConnections takes the talker from the listener's
// StreamInputInfo (the talker's StreamOutputConns is not read), then
// resolves per-channel audio paths through both sides' AudioMapping tables
// (§4.G "channel-connection maps").
func ComputeChannelConnections(resolver EntityResolver, listenerID model.EntityID, listenerStream model.DescriptorIndex) []ChannelConnection {
	var out []ChannelConnection
	listener, ok := resolver.Find(listenerID)
	if !ok {
		return out
	}
	info, ok := listener.Dynamic().StreamInputInfo[listenerStream]
	if !ok || info.State == model.NotConnected {
		return out
	}
	talker, ok := resolver.Find(info.Talker.EntityID)
	if !ok {
		return out
	}

	listenerMappings := resolveAudioMappings(listener, listenerStream)
	talkerMappings := resolveAudioMappings(talker, info.Talker.StreamIndex)

	for _, lm := range listenerMappings {
		for _, tm := range talkerMappings {
			if lm.StreamChannel == tm.StreamChannel {
				out = append(out, ChannelConnection{
					TalkerEntity:    info.Talker.EntityID,
					TalkerStream:    info.Talker.StreamIndex,
					TalkerChannel:   tm.ClusterChannel,
					ListenerEntity:  listenerID,
					ListenerStream:  listenerStream,
					ListenerChannel: lm.ClusterChannel,
				})
			}
		}
	}
	return out
}

func resolveAudioMappings(e *model.ControlledEntity, streamIndex model.DescriptorIndex) []model.AudioMapping {
	if dynamic, ok := e.Dynamic().AudioMappings[streamIndex]; ok {
		return dynamic
	}
	sm := e.StaticModel()
	cfg := sm.CurrentConfiguration()
	if cfg == nil {
		return nil
	}
	var out []model.AudioMapping
	for _, au := range cfg.AudioUnits {
		for _, sp := range au.StreamPortInputs {
			for _, m := range sp.ClusterMap {
				if m.StreamIndex == streamIndex {
					out = append(out, m)
				}
			}
		}
	}
	return out
}

// var _ ensures StoreResolver satisfies EntityResolver.
var _ EntityResolver = StoreResolver{}
