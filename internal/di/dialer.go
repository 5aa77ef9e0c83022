package di

import (
	"context"
	"fmt"

	"alexrt/internal/config"
	"alexrt/internal/logging"
	"alexrt/internal/mcp"
)

// NewPeerDialer connects to servers declared in configuration: commands are
// spawned as stdio peers, urls are dialed over streamable HTTP or SSE.
func NewPeerDialer(servers []config.ServerEntry, info mcp.ClientInfo) mcp.PeerDialer {
	byID := make(map[string]config.ServerEntry, len(servers))
	for _, s := range servers {
		byID[s.ID] = s
	}
	return func(ctx context.Context, serverID string) (mcp.Peer, error) {
		entry, ok := byID[serverID]
		if !ok {
			return nil, mcp.ConfigMissing(fmt.Sprintf("no launch configuration for server %s", serverID))
		}
		switch entry.TransportKind() {
		case config.TransportHTTP:
			if entry.URL == "" {
				return nil, mcp.ConfigMissing(fmt.Sprintf("server %s has no url", serverID))
			}
			peer, err := mcp.DialStreamableHTTP(ctx, entry.URL, entry.Headers, info)
			if err != nil {
				return nil, err
			}
			return peer, nil
		case config.TransportSSE:
			if entry.URL == "" {
				return nil, mcp.ConfigMissing(fmt.Sprintf("server %s has no url", serverID))
			}
			peer, err := mcp.DialSSE(ctx, entry.URL, entry.Headers, info)
			if err != nil {
				return nil, err
			}
			return peer, nil
		default:
			if entry.Command == "" {
				return nil, mcp.ConfigMissing(fmt.Sprintf("server %s has no command", serverID))
			}
			logger := logging.NewComponentLogger("MCPClient[" + serverID + "]")
			peer, err := mcp.SpawnStdioPeer(ctx, entry.ProcessConfig(), info, logger)
			if err != nil {
				return nil, err
			}
			return peer, nil
		}
	}
}
