package model

import "time"

// DeliveredServer records one completed delivery within the deliver
// stage's checkpoint (spec §3.3).
type DeliveredServer struct {
	ServerID    string    `json:"serverId"`
	ServerName  string    `json:"serverName"`
	CompletedAt time.Time `json:"completedAt"`
}

// FailedServer records one delivery attempt that failed but left the item
// retryable rather than terminal.
type FailedServer struct {
	ServerID   string `json:"serverId"`
	ServerName string `json:"serverName"`
	Error      string `json:"error"`
}

// Checkpoint is the intra-stage partial-progress record used only by the
// deliver stage, because a single item may fan out to N storage servers.
type Checkpoint struct {
	DeliveredServers []DeliveredServer `json:"deliveredServers,omitempty"`
	FailedServers    []FailedServer    `json:"failedServers,omitempty"`
}

// HasDelivered reports whether serverID already appears in DeliveredServers.
func (c *Checkpoint) HasDelivered(serverID string) bool {
	for _, s := range c.DeliveredServers {
		if s.ServerID == serverID {
			return true
		}
	}
	return false
}

// CoversAll reports whether every id in targetServerIDs has a matching
// entry in DeliveredServers — the entry condition for transitioning to
// completed (§3.3, §4.2).
func (c *Checkpoint) CoversAll(targetServerIDs []string) bool {
	for _, id := range targetServerIDs {
		if !c.HasDelivered(id) {
			return false
		}
	}
	return true
}

// RecordDelivered appends (or replaces an existing) delivered-server entry
// and removes any stale failed-server entry for the same server.
func (c *Checkpoint) RecordDelivered(serverID, serverName string, at time.Time) {
	for i, s := range c.FailedServers {
		if s.ServerID == serverID {
			c.FailedServers = append(c.FailedServers[:i], c.FailedServers[i+1:]...)
			break
		}
	}
	if c.HasDelivered(serverID) {
		return
	}
	c.DeliveredServers = append(c.DeliveredServers, DeliveredServer{
		ServerID:    serverID,
		ServerName:  serverName,
		CompletedAt: at,
	})
}

// RecordFailed appends or replaces a failed-server entry.
func (c *Checkpoint) RecordFailed(serverID, serverName, errMsg string) {
	for i, s := range c.FailedServers {
		if s.ServerID == serverID {
			c.FailedServers[i].Error = errMsg
			return
		}
	}
	c.FailedServers = append(c.FailedServers, FailedServer{
		ServerID:   serverID,
		ServerName: serverName,
		Error:      errMsg,
	})
}
