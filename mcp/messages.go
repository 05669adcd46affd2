package mcp

// Method is an MCP method identifier used in JSON-RPC messages.
type Method string

// MCP method names and notifications.
const (
	// Initialization
	InitializeMethod              Method = "initialize"
	InitializedNotificationMethod Method = "notifications/initialized"

	// Tools
	ToolsListMethod                    Method = "tools/list"
	ToolsCallMethod                    Method = "tools/call"
	ToolsListChangedNotificationMethod Method = "notifications/tools/list_changed"

	// Resources
	ResourcesListMethod          Method = "resources/list"
	ResourcesReadMethod          Method = "resources/read"
	ResourcesTemplatesListMethod Method = "resources/templates/list"
	ResourcesSubscribeMethod     Method = "resources/subscribe"
	ResourcesUnsubscribeMethod   Method = "resources/unsubscribe"

	// Prompts
	PromptsListMethod Method = "prompts/list"
	PromptsGetMethod  Method = "prompts/get"

	// Logging
	LoggingSetLevelMethod            Method = "logging/setLevel"
	LoggingMessageNotificationMethod Method = "notifications/message"

	// Completion
	CompletionCompleteMethod Method = "completion/complete"

	// General
	PingMethod                  Method = "ping"
	CancelledNotificationMethod Method = "notifications/cancelled"
	ProgressNotificationMethod  Method = "notifications/progress"
)

// Route is the dispatch class of a method. The set is closed; routers switch
// over it exhaustively.
type Route int

const (
	// RouteForward relays the request verbatim on the generic path.
	RouteForward Route = iota
	// RouteInitialize, RouteToolsList and RouteToolsCall are answered by the
	// gateway itself.
	RouteInitialize
	RouteToolsList
	RouteToolsCall
	// RoutePassthrough covers known methods forwarded near-verbatim through
	// the typed upstream client.
	RoutePassthrough
)

func (r Route) String() string {
	switch r {
	case RouteForward:
		return "forward"
	case RouteInitialize:
		return "initialize"
	case RouteToolsList:
		return "tools_list"
	case RouteToolsCall:
		return "tools_call"
	case RoutePassthrough:
		return "passthrough"
	}
	return "unknown"
}

// PassthroughMethods lists the methods served by RoutePassthrough.
var PassthroughMethods = []Method{
	PingMethod,
	CompletionCompleteMethod,
	LoggingSetLevelMethod,
	PromptsGetMethod,
	PromptsListMethod,
	ResourcesListMethod,
	ResourcesTemplatesListMethod,
	ResourcesReadMethod,
	ResourcesSubscribeMethod,
	ResourcesUnsubscribeMethod,
}

// RouteOf classifies a request method.
func RouteOf(method string) Route {
	switch Method(method) {
	case InitializeMethod:
		return RouteInitialize
	case ToolsListMethod:
		return RouteToolsList
	case ToolsCallMethod:
		return RouteToolsCall
	case PingMethod, CompletionCompleteMethod, LoggingSetLevelMethod,
		PromptsGetMethod, PromptsListMethod,
		ResourcesListMethod, ResourcesTemplatesListMethod, ResourcesReadMethod,
		ResourcesSubscribeMethod, ResourcesUnsubscribeMethod:
		return RoutePassthrough
	default:
		return RouteForward
	}
}
