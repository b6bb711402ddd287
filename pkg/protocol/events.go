package protocol

// Inbound commands.
const (
	CmdLogin           = "login"
	CmdGetServers      = "get_servers"
	CmdCreateServer    = "create_server"
	CmdJoinServer      = "join_server"
	CmdEditServer      = "edit_server"
	CmdDeleteServer    = "delete_server"
	CmdGetMembers      = "get_members"
	CmdKickMember      = "kick_member"
	CmdBanMember       = "ban_member"
	CmdGetChannels     = "get_channels"
	CmdCreateChannel   = "create_channel"
	CmdDeleteChannel   = "delete_channel"
	CmdRenameChannel   = "rename_channel"
	CmdJoinChannel     = "join_channel"
	CmdSendMessage     = "send_message"
	CmdJoinVoice       = "join_voice"
	CmdLeaveVoice      = "leave_voice"
	CmdSendingSignal   = "sending_signal"
	CmdReturningSignal = "returning_signal"
	CmdUpdateProfile   = "update_profile"
	CmdPing            = "ping"
)

// Outbound events.
const (
	EvtLoginSuccess      = "login_success"
	EvtServerList        = "server_list"
	EvtServerCreated     = "server_created"
	EvtServerJoined      = "server_joined"
	EvtServerUpdated     = "server_updated"
	EvtServerDeleted     = "server_deleted"
	EvtMemberList        = "member_list"
	EvtMemberJoined      = "member_joined"
	EvtMemberKicked      = "member_kicked"
	EvtMemberBanned      = "member_banned"
	EvtChannelList       = "channel_list"
	EvtChannelCreated    = "channel_created"
	EvtChannelDeleted    = "channel_deleted"
	EvtChannelRenamed    = "channel_renamed"
	EvtHistory           = "history"
	EvtReceiveMessage    = "receive_message"
	EvtVoiceStatusUpdate = "voice_status_update"
	EvtUserJoinedVoice   = "user_joined_voice"
	EvtReturnedSignal    = "receiving_returned_signal"
	EvtUserUpdated       = "user_updated"
	EvtCommandRejected   = "command_rejected"
	EvtPong              = "pong"
)
