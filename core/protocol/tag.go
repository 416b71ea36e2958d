package protocol

import "strconv"

// Tag identifies the kind of an envelope and therefore its payload type.
type Tag int

const (
	TagUnknown Tag = iota

	// lifecycle
	TagReady
	TagRespawn
	TagRespawnAll
	TagMaintenanceEnable
	TagMaintenanceDisable
	TagMaintenanceAll
	TagSpawnNext

	// call / response
	TagExecuteRequest
	TagExecuteResponse
	TagManagerEvalRequest
	TagManagerEvalResponse
	TagBroadcastRequest
	TagBroadcastResponse

	// liveness
	TagHeartbeatProbe
	TagHeartbeatAck

	// custom
	TagCustomMessage
	TagCustomRequest
	TagCustomReply
)

type Family int

const (
	FamilyUnknown Family = iota
	FamilyLifecycle
	FamilyCall
	FamilyLiveness
	FamilyCustom
)

var tagNames = map[Tag]string{
	TagReady:               "ready",
	TagRespawn:             "respawn",
	TagRespawnAll:          "respawn-all",
	TagMaintenanceEnable:   "maintenance-enable",
	TagMaintenanceDisable:  "maintenance-disable",
	TagMaintenanceAll:      "maintenance-all",
	TagSpawnNext:           "spawn-next",
	TagExecuteRequest:      "execute-request",
	TagExecuteResponse:     "execute-response",
	TagManagerEvalRequest:  "manager-eval-request",
	TagManagerEvalResponse: "manager-eval-response",
	TagBroadcastRequest:    "broadcast-request",
	TagBroadcastResponse:   "broadcast-response",
	TagHeartbeatProbe:      "heartbeat-probe",
	TagHeartbeatAck:        "heartbeat-ack",
	TagCustomMessage:       "custom-message",
	TagCustomRequest:       "custom-request",
	TagCustomReply:         "custom-reply",
}

func (t Tag) String() string {
	if n, ok := tagNames[t]; ok {
		return n
	}
	return "tag(" + strconv.Itoa(int(t)) + ")"
}

// Known reports whether t is one of the tags defined by this package.
func (t Tag) Known() bool {
	_, ok := tagNames[t]
	return ok
}

func (t Tag) Family() Family {
	switch {
	case t >= TagReady && t <= TagSpawnNext:
		return FamilyLifecycle
	case t >= TagExecuteRequest && t <= TagBroadcastResponse:
		return FamilyCall
	case t == TagHeartbeatProbe || t == TagHeartbeatAck:
		return FamilyLiveness
	case t == TagUnknown:
		return FamilyUnknown
	default:
		// custom tags and tags from newer peers
		return FamilyCustom
	}
}

// IsResponse reports whether envelopes with this tag settle a pending
// request in a correlator.
func (t Tag) IsResponse() bool {
	switch t {
	case TagExecuteResponse, TagManagerEvalResponse, TagBroadcastResponse, TagCustomReply:
		return true
	}
	return false
}

// ResponseTag returns the tag used to answer a request with tag t.
func (t Tag) ResponseTag() (Tag, bool) {
	switch t {
	case TagExecuteRequest:
		return TagExecuteResponse, true
	case TagManagerEvalRequest:
		return TagManagerEvalResponse, true
	case TagBroadcastRequest:
		return TagBroadcastResponse, true
	case TagCustomRequest:
		return TagCustomReply, true
	}
	return TagUnknown, false
}
