// Package stats defines the diagnostic counters the server exports.
package stats

import (
	"sort"
)

// Type Client is one connected client's counters, one stream per
// media direction.
type Client struct {
	Id    uint32  `json:"id"`
	Name  string  `json:"name,omitempty"`
	Audio *Stream `json:"audio,omitempty"`
	Video *Stream `json:"video,omitempty"`
}

// Type Stream reports one media direction.
type Stream struct {
	Rate       uint32 `json:"rate"`       // bytes per second
	PacketRate uint32 `json:"packetRate"` // packets per second
	Packets    uint32 `json:"packets"`
	Bytes      uint32 `json:"bytes"`
	Drops      uint32 `json:"drops,omitempty"`
	Jitter     uint32 `json:"jitter,omitempty"` // milliseconds
}

// Type Statable is implemented by per-client protocol states that
// report counters.
type Statable interface {
	GetStats() *Client
}

// Sort orders clients by id.
func Sort(clients []*Client) {
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].Id < clients[j].Id
	})
}
