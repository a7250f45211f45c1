package directory

import (
	"context"
	"log/slog"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"scmesh/go-core/internal/overlay"
	"scmesh/go-core/pkg/models"
)

const (
	RouteDirect = "direct"
	RouteRelay  = "relay"
)

// Route is one way to reach a destination: either a live direct transport or
// a relay peer willing to forward.
type Route struct {
	Kind             string
	Transport        string
	RelayFingerprint string
}

// Lookup resolves published reachability for a fingerprint the local
// directory cannot place.
type Lookup interface {
	Lookup(ctx context.Context, fingerprint string) ([]ma.Multiaddr, error)
}

// Resolver answers ResolveRoute: live direct transports first in priority
// order, then relay candidates, empty when the peer is unreachable.
type Resolver struct {
	table  *Table
	live   func(fingerprint string) []string
	lookup Lookup
}

func NewResolver(table *Table, live func(fingerprint string) []string, lookup Lookup) *Resolver {
	return &Resolver{table: table, live: live, lookup: lookup}
}

func (r *Resolver) ResolveRoute(fingerprint string) []Route {
	fp := models.NormalizeFingerprint(fingerprint)
	routes := make([]Route, 0, 4)
	if r.live != nil {
		for _, kind := range r.live(fp) {
			routes = append(routes, Route{Kind: RouteDirect, Transport: kind})
		}
	}
	for _, candidate := range r.table.RelayCandidates(fp) {
		routes = append(routes, Route{Kind: RouteRelay, RelayFingerprint: candidate.Fingerprint})
	}
	return routes
}

// BeaconLookup is the richer resolver shape: the full verified beacon lets
// the table learn keys for peers it has never met.
type BeaconLookup interface {
	LookupBeacon(ctx context.Context, fingerprint string) (IdentityBeacon, bool, error)
}

// Refresh consults the distributed lookup and merges any published
// reachability into the table. Best effort; failure leaves the table as is.
func (r *Resolver) Refresh(ctx context.Context, fingerprint string) {
	if r.lookup == nil {
		return
	}
	fp := models.NormalizeFingerprint(fingerprint)

	if bl, ok := r.lookup.(BeaconLookup); ok {
		beacon, found, err := bl.LookupBeacon(ctx, fp)
		if err != nil || !found {
			if err != nil {
				slog.Debug("distributed lookup failed", "peer_fingerprint", fp, "reason", err.Error())
			}
			return
		}
		if _, err := r.table.ObserveAuthenticated(beacon.Card, beacon.Addresses); err != nil {
			slog.Debug("lookup beacon rejected", "peer_fingerprint", fp, "reason", err.Error())
		}
		return
	}

	addrs, err := r.lookup.Lookup(ctx, fp)
	if err != nil {
		slog.Debug("distributed lookup failed", "peer_fingerprint", fp, "reason", err.Error())
		return
	}
	for _, addr := range addrs {
		r.table.MarkSeen(fp, models.TransportOverlay, addr.String())
	}
}

// OverlayLookup resolves fingerprints through the overlay announcement
// board. Beacons are verified before any address is trusted.
type OverlayLookup struct {
	Node *overlay.Node
}

// LookupBeacon fetches and verifies the latest announcement for a peer.
func (l *OverlayLookup) LookupBeacon(ctx context.Context, fingerprint string) (IdentityBeacon, bool, error) {
	announcement, ok, err := l.Node.Lookup(ctx, models.NormalizeFingerprint(fingerprint))
	if err != nil || !ok {
		return IdentityBeacon{}, false, err
	}
	beacon, err := DecodeBeacon(announcement.Card)
	if err != nil {
		return IdentityBeacon{}, false, err
	}
	if err := VerifyBeacon(beacon, time.Now()); err != nil {
		return IdentityBeacon{}, false, err
	}
	return beacon, true, nil
}

func (l *OverlayLookup) Lookup(ctx context.Context, fingerprint string) ([]ma.Multiaddr, error) {
	beacon, ok, err := l.LookupBeacon(ctx, fingerprint)
	if err != nil || !ok {
		return nil, err
	}
	addrs := make([]ma.Multiaddr, 0, len(beacon.Addresses))
	for _, entry := range beacon.Addresses {
		if entry.Transport != models.TransportOverlay {
			continue
		}
		addr, err := ma.NewMultiaddr(entry.Address)
		if err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
