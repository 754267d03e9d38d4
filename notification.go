package mcpuse

import (
	"encoding/json"
	"log/slog"
)

// NotificationKind discriminates the closed set of known server notifications.
// Methods outside the set decode as KindUnknown so new server-side methods
// degrade gracefully instead of failing dispatch.
type NotificationKind int

// Known notification kinds.
const (
	KindUnknown NotificationKind = iota
	KindProgress
	KindLogMessage
	KindToolsChanged
	KindResourcesChanged
	KindResourceUpdated
	KindPromptsChanged
	KindCancelled
)

// Notification is one decoded server notification. Kind selects which typed
// field is populated; Raw always carries the undecoded params.
type Notification struct {
	Kind   NotificationKind
	Method string

	// Raw is the notification params as received, set for every kind.
	Raw json.RawMessage

	Progress        *ProgressParams
	Log             *LogParams
	ResourceUpdated *ResourceUpdatedParams
	Cancelled       *CancelledParams
}

// NotificationListener receives server notifications in wire arrival order.
type NotificationListener func(n Notification)

// decodeNotification classifies one notification envelope. Params that fail to
// decode for a known method demote the notification to KindUnknown rather than
// dropping it.
func decodeNotification(msg JSONRPCMessage, logger *slog.Logger) Notification {
	n := Notification{
		Kind:   KindUnknown,
		Method: msg.Method,
		Raw:    msg.Params,
	}

	switch msg.Method {
	case MethodNotificationProgress:
		var params ProgressParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			logger.Error("failed to unmarshal progress params", "err", err)
			return n
		}
		n.Kind = KindProgress
		n.Progress = &params
	case MethodNotificationMessage:
		var params LogParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			logger.Error("failed to unmarshal log params", "err", err)
			return n
		}
		n.Kind = KindLogMessage
		n.Log = &params
	case MethodNotificationToolsChanged:
		n.Kind = KindToolsChanged
	case MethodNotificationResourcesChanged:
		n.Kind = KindResourcesChanged
	case MethodNotificationResourceUpdated:
		var params ResourceUpdatedParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			logger.Error("failed to unmarshal resource updated params", "err", err)
			return n
		}
		n.Kind = KindResourceUpdated
		n.ResourceUpdated = &params
	case MethodNotificationPromptsChanged:
		n.Kind = KindPromptsChanged
	case MethodNotificationCancelled:
		var params CancelledParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			logger.Error("failed to unmarshal cancelled params", "err", err)
			return n
		}
		n.Kind = KindCancelled
		n.Cancelled = &params
	}

	return n
}
