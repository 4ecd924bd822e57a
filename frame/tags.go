// Package frame implements the length-prefixed binary record format used on
// the TCP control connection (see §4.1 and §6 of the protocol notes).
package frame

// Type is the one-byte record tag that follows the frame length.
type Type byte

// Wire tag values. Tags 1-12 and 255 are the protocol's authoritative
// enumeration; tags 13-18 are this implementation's pinned choice for
// handlers left implementer-defined ("the wire values are fixed once by
// the implementation and MUST match what clients expect").
const (
	TypeLoginRequest        Type = 1
	TypeLoginResponse       Type = 2
	TypeChatMessage         Type = 3
	TypeVoiceChunk          Type = 4 // legacy TCP voice path, superseded by the UDP SFU
	TypeLogoutRequest       Type = 5
	TypeHistoryRequest      Type = 6
	TypeHistoryResponse     Type = 7
	TypeUsersListRequest    Type = 8
	TypeUsersListResponse   Type = 9
	TypeScreenFrame         Type = 10
	TypeStreamAudio         Type = 11
	TypeUdpPortsAnnounce    Type = 12
	TypeChatMedia           Type = 13
	TypeWebFrame            Type = 14
	TypeMediaControl        Type = 15
	TypePing                Type = 16
	TypePong                Type = 17
	TypeLinkPreview         Type = 18
	TypeError               Type = 255
)

func (t Type) String() string {
	switch t {
	case TypeLoginRequest:
		return "LoginRequest"
	case TypeLoginResponse:
		return "LoginResponse"
	case TypeChatMessage:
		return "ChatMessage"
	case TypeVoiceChunk:
		return "VoiceChunk"
	case TypeLogoutRequest:
		return "LogoutRequest"
	case TypeHistoryRequest:
		return "HistoryRequest"
	case TypeHistoryResponse:
		return "HistoryResponse"
	case TypeUsersListRequest:
		return "UsersListRequest"
	case TypeUsersListResponse:
		return "UsersListResponse"
	case TypeScreenFrame:
		return "ScreenFrame"
	case TypeStreamAudio:
		return "StreamAudio"
	case TypeUdpPortsAnnounce:
		return "UdpPortsAnnouncement"
	case TypeChatMedia:
		return "ChatMedia"
	case TypeWebFrame:
		return "WebFrame"
	case TypeMediaControl:
		return "MediaControl"
	case TypePing:
		return "Ping"
	case TypePong:
		return "Pong"
	case TypeLinkPreview:
		return "LinkPreview"
	case TypeError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Reserved ScreenFrame frame IDs (§4.5).
const (
	ScreenFrameIDConfig   uint32 = 0
	ScreenFrameIDStop     uint32 = 0xFFFFFFFE
	ScreenFrameIDPresence uint32 = 0xFFFFFFFF
)
