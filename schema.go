package mcpuse

import (
	"encoding/json"
	"fmt"
)

// MustString enforces string representation for fields the protocol allows to
// be either string or integer, such as request IDs and progress tokens. It
// converts automatically during JSON marshaling/unmarshaling.
type MustString string

// JSONRPCMessage is one JSON-RPC 2.0 envelope. Which fields are populated
// determines the variant:
//   - Request: ID, Method, and optionally Params are set
//   - Response: ID and either Result or Error are set
//   - Notification: Method is set without an ID
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification.
	JSONRPC string `json:"jsonrpc"`
	// ID pairs a request with its response. Absent on notifications.
	ID MustString `json:"id,omitempty"`
	// Method names the operation for requests and notifications.
	Method string `json:"method,omitempty"`
	// Params carries the call arguments as raw JSON.
	Params json.RawMessage `json:"params,omitempty"`
	// Result carries the success payload of a response as raw JSON.
	Result json.RawMessage `json:"result,omitempty"`
	// Error carries the failure payload of a response.
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError is the structured error object of a JSON-RPC 2.0 response.
type JSONRPCError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// IsRequest reports whether the envelope is a request (has both ID and method).
func (m JSONRPCMessage) IsRequest() bool {
	return m.ID != "" && m.Method != ""
}

// IsResponse reports whether the envelope is a response (has an ID, no method,
// and a result or error).
func (m JSONRPCMessage) IsResponse() bool {
	return m.ID != "" && m.Method == "" && (m.Result != nil || m.Error != nil)
}

// IsNotification reports whether the envelope is a notification (method, no ID).
func (m JSONRPCMessage) IsNotification() bool {
	return m.ID == "" && m.Method != ""
}

// Info identifies a client or server implementation by name and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities is the feature set a server declares during the
// initialization handshake.
type ServerCapabilities struct {
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Logging   *LoggingCapability   `json:"logging,omitempty"`
}

// ClientCapabilities is the feature set the client declares during the
// initialization handshake.
type ClientCapabilities struct {
	Roots *RootsCapability `json:"roots,omitempty"`
}

// PromptsCapability marks prompt support.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability marks resource support.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ToolsCapability marks tool support.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability marks log-streaming support.
type LoggingCapability struct{}

// RootsCapability marks client root-list support.
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// Root is one client-declared scope hint advertised to a server. The client is
// the source of truth for the list; the server holds no independent copy.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// RootList is the payload answering a roots/list request.
type RootList struct {
	Roots []Root `json:"roots"`
}

// Tool describes a callable tool and the schema of its arguments.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListToolsParams are the parameters of a tools/list request.
type ListToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListToolsResult is one page of tools.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams are the parameters of a tools/call request.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult is the outcome of a tool invocation. IsError marks a failure
// described in Content rather than a protocol error.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Content is one block of message content.
type Content struct {
	Type string `json:"type"`

	// For type "text".
	Text string `json:"text,omitempty"`

	// For types "image" and "audio".
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Resource describes a readable resource exposed by a server.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ListResourcesParams are the parameters of a resources/list request.
type ListResourcesParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListResourcesResult is one page of resources.
type ListResourcesResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ReadResourceParams are the parameters of a resources/read request.
type ReadResourceParams struct {
	URI string `json:"uri"`
}

// ResourceContents is the text or binary body of one resource.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ReadResourceResult is the payload of a resources/read response.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// Prompt describes a prompt template and its arguments.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument is one argument a prompt template accepts.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ListPromptsParams are the parameters of a prompts/list request.
type ListPromptsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListPromptsResult is one page of prompts.
type ListPromptsResult struct {
	Prompts    []Prompt `json:"prompts"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// GetPromptParams are the parameters of a prompts/get request.
type GetPromptParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// PromptMessage is one message of a rendered prompt.
type PromptMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// GetPromptResult is the payload of a prompts/get response.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// ProgressParams reports progress on a long-running operation.
type ProgressParams struct {
	ProgressToken MustString `json:"progressToken"`
	Progress      float64    `json:"progress"`
	Total         float64    `json:"total,omitempty"`
}

// LogParams is one log message streamed by a server.
type LogParams struct {
	Level  string          `json:"level"`
	Logger string          `json:"logger,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// ResourceUpdatedParams identifies the resource behind a
// notifications/resources/updated notification.
type ResourceUpdatedParams struct {
	URI string `json:"uri"`
}

// CancelledParams identifies the request behind a notifications/cancelled
// notification.
type CancelledParams struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

const (
	// JSONRPCVersion is the JSON-RPC protocol version spoken on the wire.
	JSONRPCVersion = "2.0"

	// MethodToolsList retrieves the list of available tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall invokes a tool.
	MethodToolsCall = "tools/call"
	// MethodResourcesList retrieves the list of available resources.
	MethodResourcesList = "resources/list"
	// MethodResourcesRead reads the contents of one resource.
	MethodResourcesRead = "resources/read"
	// MethodPromptsList retrieves the list of available prompts.
	MethodPromptsList = "prompts/list"
	// MethodPromptsGet renders one prompt template.
	MethodPromptsGet = "prompts/get"
	// MethodRootsList is sent by servers to fetch the client's root list.
	MethodRootsList = "roots/list"
	// MethodPing is the liveness probe either party may send.
	MethodPing = "ping"

	// MethodNotificationProgress carries progress updates.
	MethodNotificationProgress = "notifications/progress"
	// MethodNotificationMessage carries server log messages.
	MethodNotificationMessage = "notifications/message"
	// MethodNotificationToolsChanged signals a changed tool list.
	MethodNotificationToolsChanged = "notifications/tools/list_changed"
	// MethodNotificationResourcesChanged signals a changed resource list.
	MethodNotificationResourcesChanged = "notifications/resources/list_changed"
	// MethodNotificationResourceUpdated signals a changed subscribed resource.
	MethodNotificationResourceUpdated = "notifications/resources/updated"
	// MethodNotificationPromptsChanged signals a changed prompt list.
	MethodNotificationPromptsChanged = "notifications/prompts/list_changed"
	// MethodNotificationCancelled signals cancellation of an in-flight request.
	MethodNotificationCancelled = "notifications/cancelled"

	methodInitialize                = "initialize"
	methodNotificationsInitialized  = "notifications/initialized"
	methodNotificationsRootsChanged = "notifications/roots/list_changed"

	protocolVersion = "2024-11-05"
)

// UnmarshalJSON accepts both string and numeric wire representations and
// stores the string form.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*m = MustString(v)
	case float64:
		*m = MustString(fmt.Sprintf("%d", int(v)))
	default:
		return fmt.Errorf("invalid id type: %T", v)
	}

	return nil
}

// MarshalJSON always encodes as a JSON string.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}
