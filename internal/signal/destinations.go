package signal

// Destination builders. The bus routes by opaque destination strings; the
// server fans broadcast topics out to everyone and private queues to the
// single client whose id is embedded in the path.

// BroadcastLobbyStatus is the shared topic carrying full roster snapshots.
const BroadcastLobbyStatus = "topic/lobby-status"

// Outbound intents, addressed to the server.
const (
	DestJoin      = "app/join"
	DestStartCall = "app/start-call"
	DestEndCall   = "app/end-call"
)

// RoomSignal is the destination for offer/answer/ice-candidate envelopes
// scoped to one room.
func RoomSignal(roomID string) string {
	return "signal/" + roomID
}

// RoomChat is the destination for chat envelopes scoped to one room.
func RoomChat(roomID string) string {
	return "chat/" + roomID
}

// Private queue names, keyed by the client-generated id. Established once
// per client lifetime and stable across bus reconnects.
func QueueLobbyInfo(clientID string) string      { return "user/" + clientID + "/lobby-info" }
func QueueLobbyUpdate(clientID string) string    { return "user/" + clientID + "/lobby-update" }
func QueueRoomAssignment(clientID string) string { return "user/" + clientID + "/room-assignment" }
func QueueCallEnded(clientID string) string      { return "user/" + clientID + "/call-ended" }
func QueueSignal(clientID string) string         { return "user/" + clientID + "/signal" }
func QueueChat(clientID string) string           { return "user/" + clientID + "/chat" }

// PrivateQueues lists every per-client subscription a client establishes on
// connect, in subscription order.
func PrivateQueues(clientID string) []string {
	return []string{
		QueueLobbyInfo(clientID),
		QueueLobbyUpdate(clientID),
		QueueRoomAssignment(clientID),
		QueueCallEnded(clientID),
		QueueSignal(clientID),
		QueueChat(clientID),
	}
}
