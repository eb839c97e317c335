package relay

import "time"

// Role is the part a connection plays on the relay.
type Role int

// Connection roles. A connection is unclassified until it identifies.
const (
	RoleUnclassified Role = iota
	RoleDevice
	RoleViewer
)

func (r Role) String() string {
	switch r {
	case RoleDevice:
		return "device"
	case RoleViewer:
		return "viewer"
	}
	return "unclassified"
}

// sessions tracks which connection is the device and which are viewers.
// At most one connection holds the device slot.
type sessions struct {
	device         string // Empty when no device is bound
	deviceSince    time.Time
	viewers        map[string]struct{}
	maxViewers     int
	maxViewersTime time.Time
}

func newSessions() *sessions {
	return &sessions{
		viewers:        make(map[string]struct{}),
		maxViewersTime: time.Now(),
	}
}

// identify assigns a role to a connection.
// A device claim replaces any existing binding; last writer wins.
// displaced is the connection that lost the device slot because of this call, if any.
// When a viewer claim comes from the bound device, the device slot is cleared and displaced is id itself.
func (s *sessions) identify(id string, role Role) (displaced string) {
	switch role {
	case RoleDevice:
		delete(s.viewers, id)
		if s.device != id {
			displaced = s.device
			s.deviceSince = time.Now()
		}
		s.device = id

	case RoleViewer:
		if s.device == id {
			s.device = ""
			displaced = id
		}
		s.viewers[id] = struct{}{}
		if len(s.viewers) > s.maxViewers {
			s.maxViewers = len(s.viewers)
			s.maxViewersTime = time.Now()
		}
	}
	return displaced
}

// disconnect forgets a connection.
// wasDevice is true if the connection held the device slot.
func (s *sessions) disconnect(id string) (wasDevice bool) {
	delete(s.viewers, id)
	if s.device != "" && s.device == id {
		s.device = ""
		return true
	}
	return false
}

func (s *sessions) isDeviceBound() bool {
	return s.device != ""
}

func (s *sessions) currentDeviceID() string {
	return s.device
}

func (s *sessions) isViewer(id string) bool {
	_, ok := s.viewers[id]
	return ok
}

// viewerIDs gets the ids of all viewers.
func (s *sessions) viewerIDs() []string {
	ids := make([]string, 0, len(s.viewers))
	for id := range s.viewers {
		ids = append(ids, id)
	}
	return ids
}
