// Package wire defines the RPC vocabulary spoken between spindle and its
// clients: the method names in both directions and the payload shapes they
// carry. Everything here is plain data; encoding and dispatch live in
// internal/rpc.
package wire

import "encoding/json"

// Client to server method names.
const (
	MethodJoin         = "join"
	MethodAuthenticate = "authenticate"
	MethodFetchRooms   = "fetchRooms"
	MethodCreateRoom   = "createRoom"
	MethodJoinRoom     = "joinRoom"
	MethodLeaveRoom    = "leaveRoom"
	MethodBecomeDj     = "becomeDj"
	MethodStepDown     = "stepDown"
	MethodTrackEnded   = "trackEnded"
	MethodSkipTurn     = "skipTurn"
	MethodUpdatedQueue = "updatedQueue"
	MethodSendChat     = "sendChat"
	MethodSetProfile   = "setProfile"
	MethodVote         = "vote"
)

// Server to client method names.
const (
	MethodPlayTrack          = "playTrack"
	MethodStopTrack          = "stopTrack"
	MethodSetActiveDj        = "setActiveDj"
	MethodSetOnDeck          = "setOnDeck"
	MethodSetPeers           = "setPeers"
	MethodSetDjs             = "setDjs"
	MethodSetPeerProfile     = "setPeerProfile"
	MethodNewChatMsg         = "newChatMsg"
	MethodSetVotes           = "setVotes"
	MethodSetSkipWarning     = "setSkipWarning"
	MethodRequestTrack       = "requestTrack"
	MethodCycleSelectedQueue = "cycleSelectedQueue"
	MethodSetRooms           = "setRooms"
)

// ErrorReply is the uniform failure reply: {"error":true,"message":"..."}.
type ErrorReply struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

// Err builds an ErrorReply with the given user-visible message.
func Err(message string) ErrorReply {
	return ErrorReply{Error: true, Message: message}
}

// SuccessReply is the plain {"success":true} acknowledgement.
type SuccessReply struct {
	Success bool `json:"success"`
}

// OK is the canonical success acknowledgement.
var OK = SuccessReply{Success: true}

// ── Client to server payloads ─────────────────────────────────────────────────

// JoinParams carries the join-invite token presented by a fresh client.
type JoinParams struct {
	JWT string `json:"jwt"`
}

// JoinReply returns the minted session token and the assigned peer id.
type JoinReply struct {
	Token  string `json:"token"`
	PeerID string `json:"peerId"`
}

// AuthenticateParams carries a session token from a returning client.
type AuthenticateParams struct {
	JWT string `json:"jwt"`
}

// AuthenticateReply confirms the peer id embedded in the session token.
type AuthenticateReply struct {
	PeerID string `json:"peerId"`
}

// CreateRoomParams names the room to create. The reply is the new room's
// [RoomSummary]; the caller still joins it explicitly.
type CreateRoomParams struct {
	Name string `json:"name"`
}

type JoinRoomParams struct {
	ID string `json:"id"`
}

type SendChatParams struct {
	Message string `json:"message"`
}

// SetProfileParams carries an opaque client-defined profile object. The
// server stores and rebroadcasts it without inspecting it.
type SetProfileParams struct {
	Profile json.RawMessage `json:"profile"`
}

// SetProfileReply acknowledges the update and echoes the caller's id.
type SetProfileReply struct {
	Success bool   `json:"success"`
	PeerID  string `json:"peerId"`
}

// VoteParams records one vote on the current track. Direction true is a
// downvote, false an upvote, matching the room's votes map encoding.
type VoteParams struct {
	Direction bool `json:"direction"`
}

// ── Server to client payloads ─────────────────────────────────────────────────

// PeerInfo is the peer-visible slice of a peer: id plus opaque profile.
type PeerInfo struct {
	ID      string          `json:"id"`
	Profile json.RawMessage `json:"profile,omitempty"`
}

// NowPlaying is the published record of the playing track. Track is the
// peer-visible track JSON (payload data already stripped), Votes maps peer id
// to direction (true = down), StartedAt is seconds since epoch and sits a few
// seconds in the future at publish so clients can line up playback.
type NowPlaying struct {
	Track     json.RawMessage `json:"track"`
	Votes     map[string]bool `json:"votes"`
	StartedAt int64           `json:"startedAt"`
}

// RoomSummary is the abridged per-room entry in the rooms list: no roster,
// just identity, headcount and what is playing.
type RoomSummary struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	AdminID    string      `json:"adminId"`
	PeerCount  int         `json:"peerCount"`
	NowPlaying *NowPlaying `json:"nowPlaying"`
}

// RoomState is the full state handed to a peer entering a room.
type RoomState struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	AdminID  string     `json:"adminId"`
	Peers    []PeerInfo `json:"peers"`
	Djs      []string   `json:"djs"`
	ActiveDj *string    `json:"activeDj"`
}

// SetActiveDjParams names the DJ whose track is playing; nil means nobody.
type SetActiveDjParams struct {
	DjID *string `json:"djId"`
}

// SetOnDeckParams carries the prefetched next track, or null when cleared.
type SetOnDeckParams struct {
	Track json.RawMessage `json:"track"`
}

type SetPeersParams struct {
	Peers []PeerInfo `json:"peers"`
}

type SetDjsParams struct {
	Djs []string `json:"djs"`
}

type SetPeerProfileParams struct {
	PeerID  string          `json:"peerId"`
	Profile json.RawMessage `json:"profile"`
}

// NewChatMsgParams is one chat line: server-minted id, body, sender and a
// millisecond epoch timestamp.
type NewChatMsgParams struct {
	ID        string `json:"id"`
	Message   string `json:"message"`
	PeerID    string `json:"peerId"`
	Timestamp int64  `json:"timestamp"`
}

type SetVotesParams struct {
	Votes map[string]bool `json:"votes"`
}

type SetSkipWarningParams struct {
	Value bool `json:"value"`
}

type SetRoomsParams struct {
	Rooms []RoomSummary `json:"rooms"`
}

// RequestTrackReply is the client's answer to a requestTrack call: one opaque
// track object, possibly carrying a transient data field with the payload.
type RequestTrackReply struct {
	Track json.RawMessage `json:"track"`
}
