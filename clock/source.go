package clock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/ntp"

	"unlock-bot/logger"
)

// ErrSyncFailure is matched by every error Synchronize returns.
var ErrSyncFailure = errors.New("time synchronization failed")

// Attempt is one server tried during a synchronization.
type Attempt struct {
	Server string
	Err    error
}

// SyncError lists why each server was rejected.
type SyncError struct {
	Attempts []Attempt
}

func (e *SyncError) Error() string {
	if len(e.Attempts) == 0 {
		return "time synchronization failed: no servers configured"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Server, a.Err))
	}
	return "time synchronization failed: " + strings.Join(parts, "; ")
}

func (e *SyncError) Is(target error) bool { return target == ErrSyncFailure }

// Reply is the part of an NTP response the anchor needs.
type Reply struct {
	Transmit time.Time     // server transmit timestamp
	RTT      time.Duration // round trip of the exchange
}

// Querier performs one NTP exchange with a server.
type Querier interface {
	Query(ctx context.Context, server string) (Reply, error)
}

// NTPQuerier queries real servers over UDP/123.
type NTPQuerier struct {
	Timeout time.Duration
	Version int
}

func (q NTPQuerier) Query(ctx context.Context, server string) (Reply, error) {
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}
	timeout := q.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout || timeout <= 0 {
			timeout = left
		}
	}
	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{
		Timeout: timeout,
		Version: q.Version,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("ntp query: %w", err)
	}
	if err := resp.Validate(); err != nil {
		return Reply{}, fmt.Errorf("ntp response: %w", err)
	}
	return Reply{Transmit: resp.Time, RTT: resp.RTT}, nil
}

// Source synchronizes against a prioritized server list.
type Source struct {
	servers []string
	querier Querier
	clock   Clock
	loc     *time.Location
	log     logger.Logger
}

// NewSource returns a Source that tries servers in order with q. Anchors are
// converted to loc.
func NewSource(servers []string, q Querier, c Clock, loc *time.Location, log logger.Logger) *Source {
	return &Source{
		servers: servers,
		querier: q,
		clock:   c,
		loc:     loc,
		log:     log,
	}
}

// Synchronize tries servers in order and anchors on the first valid reply.
// The reference is the server transmit time plus half the round trip, i.e.
// the best estimate of server time at the moment the reply was read.
func (s *Source) Synchronize(ctx context.Context) (Anchor, error) {
	syncErr := &SyncError{}
	for _, server := range s.servers {
		if err := ctx.Err(); err != nil {
			syncErr.Attempts = append(syncErr.Attempts, Attempt{Server: server, Err: err})
			return Anchor{}, syncErr
		}
		s.log.Info("connecting to NTP server %s", server)
		reply, err := s.querier.Query(ctx, server)
		local := s.clock.Now()
		if err != nil {
			s.log.Warning("NTP error %s: %v", server, err)
			syncErr.Attempts = append(syncErr.Attempts, Attempt{Server: server, Err: err})
			continue
		}
		ref := reply.Transmit.Add(reply.RTT / 2).In(s.loc)
		s.log.Info("time from %s: %s (rtt %s)", server, ref.Format("2006-01-02 15:04:05.000 MST"), reply.RTT)
		return NewAnchor(ref, local, server), nil
	}
	s.log.Error("failed to reach any NTP server")
	return Anchor{}, syncErr
}
