// Package mcp is the capability-server protocol client. Client routes each
// request over a direct or relay transport with retry and one fallback.
package mcp

// Trust is the operator's trust level for a server.
type Trust string

const (
	TrustTrusted   Trust = "trusted"
	TrustUntrusted Trust = "untrusted"
	TrustManaged   Trust = "managed"
)

// Valid reports whether t is a known trust level.
func (t Trust) Valid() bool {
	switch t {
	case TrustTrusted, TrustUntrusted, TrustManaged:
		return true
	}
	return false
}

// Mode selects a transport.
type Mode string

const (
	ModeEndpoint Mode = "endpoint"
	ModeDirect   Mode = "direct"
)

// ServerConfig is a registry entry for one capability server.
type ServerConfig struct {
	ID            string `json:"id" yaml:"id"`
	DisplayName   string `json:"displayName" yaml:"display_name"`
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Trust         Trust  `json:"trust" yaml:"trust"`
	PreferredMode Mode   `json:"preferredMode,omitempty" yaml:"preferred_mode,omitempty"`
}

// ConnectionStatus is the last observed state of a server connection.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

// ServerStatus joins a registry entry with its connection state.
type ServerStatus struct {
	ID           string           `json:"id"`
	DisplayName  string           `json:"displayName"`
	Trust        Trust            `json:"trust"`
	Enabled      bool             `json:"enabled"`
	Mode         Mode             `json:"mode,omitempty"`
	Status       ConnectionStatus `json:"status"`
	HasTools     bool             `json:"hasTools"`
	HasResources bool             `json:"hasResources"`
	Error        string           `json:"error,omitempty"`
}

// Correlation ties a request back to the session, task and tool run that issued it.
type Correlation struct {
	SessionID    string `json:"sessionId,omitempty"`
	TaskID       string `json:"taskId,omitempty"`
	ToolRunID    string `json:"toolRunId,omitempty"`
	ServerID     string `json:"serverId,omitempty"`
	MCPRequestID string `json:"mcpRequestId,omitempty"`
}

// ToolDescriptor describes a callable tool advertised by a server.
type ToolDescriptor struct {
	ServerID         string         `json:"serverId"`
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	InputSchema      map[string]any `json:"inputSchema,omitempty"`
	OutputSchema     map[string]any `json:"outputSchema,omitempty"`
	Signature        string         `json:"signature,omitempty"`
	OriginalToolName string         `json:"originalToolName,omitempty"`
}

// ResourceDescriptor describes a readable resource advertised by a server.
type ResourceDescriptor struct {
	ServerID    string `json:"serverId"`
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Description string `json:"description,omitempty"`
}

// Manifest is a server's advertised tools and resources. It is replaced
// wholesale on refresh.
type Manifest struct {
	ServerID         string               `json:"serverId"`
	Tools            []ToolDescriptor     `json:"tools"`
	Resources        []ResourceDescriptor `json:"resources"`
	Hash             string               `json:"manifestHash,omitempty"`
	FetchedAtMonoMs  int64                `json:"fetchedAtMonoMs"`
	AuthIdentityHash string               `json:"authIdentityHash,omitempty"`
}

// EndpointConfig locates the relay and the credential used to reach it.
type EndpointConfig struct {
	URL              string `json:"url"`
	BearerKey        string `json:"bearerKey"`
	FetchedAtWallMs  int64  `json:"fetchedAtWallMs,omitempty"`
	ExpiresAtWallMs  int64  `json:"expiresAtWallMs,omitempty"`
	AuthIdentityHash string `json:"authIdentityHash,omitempty"`
}

// ToolCallParams names a tool invocation.
type ToolCallParams struct {
	ServerID  string `json:"serverId"`
	Tool      string `json:"tool"`
	Args      any    `json:"args"`
	TimeoutMs int64  `json:"timeoutMs"`
}

// EventKind tags a ToolStreamEvent.
type EventKind string

const (
	EventText       EventKind = "text"
	EventStructured EventKind = "structured"
	EventProgress   EventKind = "progress"
	EventDiagnostic EventKind = "diagnostic"
	EventFinal      EventKind = "final"
)

// ToolStreamEvent is one element of a tool call stream. A stream carries
// zero or more non-final events followed by exactly one final event.
type ToolStreamEvent struct {
	Kind    EventKind `json:"kind"`
	Text    string    `json:"text,omitempty"`
	Value   any       `json:"value,omitempty"`
	Schema  string    `json:"schema,omitempty"`
	Message string    `json:"message,omitempty"`
	Current *float64  `json:"current,omitempty"`
	Total   *float64  `json:"total,omitempty"`
}

// TextEvent builds a text event.
func TextEvent(text string) ToolStreamEvent { return ToolStreamEvent{Kind: EventText, Text: text} }

// DiagnosticEvent builds a diagnostic event.
func DiagnosticEvent(message string) ToolStreamEvent {
	return ToolStreamEvent{Kind: EventDiagnostic, Message: message}
}

// FinalEvent builds the terminal event.
func FinalEvent(value any) ToolStreamEvent { return ToolStreamEvent{Kind: EventFinal, Value: value} }

// Capabilities reports what a transport can do.
type Capabilities struct {
	SupportsStreaming bool `json:"supportsStreaming"`
}
