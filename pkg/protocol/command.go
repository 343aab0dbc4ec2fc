package protocol

// Command is the 32-bit command code carried in every binary packet
// header. Codes are assigned by the protocol; 5 is a hole.
type Command uint32

const (
	CmdCanDo           Command = 1
	CmdCantDo          Command = 2
	CmdResetAbilities  Command = 3
	CmdPreSleep        Command = 4
	CmdNoop            Command = 6
	CmdSubmitJob       Command = 7
	CmdJobCreated      Command = 8
	CmdGrabJob         Command = 9
	CmdNoJob           Command = 10
	CmdJobAssign       Command = 11
	CmdWorkStatus      Command = 12
	CmdWorkComplete    Command = 13
	CmdWorkFail        Command = 14
	CmdGetStatus       Command = 15
	CmdEchoReq         Command = 16
	CmdEchoRes         Command = 17
	CmdSubmitJobBG     Command = 18
	CmdError           Command = 19
	CmdStatusRes       Command = 20
	CmdSubmitJobHigh   Command = 21
	CmdSetClientID     Command = 22
	CmdCanDoTimeout    Command = 23
	CmdAllYours        Command = 24
	CmdWorkException   Command = 25
	CmdOptionReq       Command = 26
	CmdOptionRes       Command = 27
	CmdWorkData        Command = 28
	CmdWorkWarning     Command = 29
	CmdGrabJobUniq     Command = 30
	CmdJobAssignUniq   Command = 31
	CmdSubmitJobHighBG Command = 32
	CmdSubmitJobLow    Command = 33
	CmdSubmitJobLowBG  Command = 34
	CmdSubmitJobSched  Command = 35
	CmdSubmitJobEpoch  Command = 36

	cmdMax Command = 37
)

// commandInfo declares the shape of a command's payload: how many
// NUL-separated arguments it carries and whether an opaque data block
// follows them to the end of the payload.
type commandInfo struct {
	name string
	argc int
	data bool
}

var commandTable = map[Command]commandInfo{
	CmdCanDo:           {"CAN_DO", 1, false},
	CmdCantDo:          {"CANT_DO", 1, false},
	CmdResetAbilities:  {"RESET_ABILITIES", 0, false},
	CmdPreSleep:        {"PRE_SLEEP", 0, false},
	CmdNoop:            {"NOOP", 0, false},
	CmdSubmitJob:       {"SUBMIT_JOB", 2, true},
	CmdJobCreated:      {"JOB_CREATED", 1, false},
	CmdGrabJob:         {"GRAB_JOB", 0, false},
	CmdNoJob:           {"NO_JOB", 0, false},
	CmdJobAssign:       {"JOB_ASSIGN", 2, true},
	CmdWorkStatus:      {"WORK_STATUS", 3, false},
	CmdWorkComplete:    {"WORK_COMPLETE", 1, true},
	CmdWorkFail:        {"WORK_FAIL", 1, false},
	CmdGetStatus:       {"GET_STATUS", 1, false},
	CmdEchoReq:         {"ECHO_REQ", 0, true},
	CmdEchoRes:         {"ECHO_RES", 0, true},
	CmdSubmitJobBG:     {"SUBMIT_JOB_BG", 2, true},
	CmdError:           {"ERROR", 2, false},
	CmdStatusRes:       {"STATUS_RES", 5, false},
	CmdSubmitJobHigh:   {"SUBMIT_JOB_HIGH", 2, true},
	CmdSetClientID:     {"SET_CLIENT_ID", 1, false},
	CmdCanDoTimeout:    {"CAN_DO_TIMEOUT", 2, false},
	CmdAllYours:        {"ALL_YOURS", 0, false},
	CmdWorkException:   {"WORK_EXCEPTION", 1, true},
	CmdOptionReq:       {"OPTION_REQ", 1, false},
	CmdOptionRes:       {"OPTION_RES", 1, false},
	CmdWorkData:        {"WORK_DATA", 1, true},
	CmdWorkWarning:     {"WORK_WARNING", 1, true},
	CmdGrabJobUniq:     {"GRAB_JOB_UNIQ", 0, false},
	CmdJobAssignUniq:   {"JOB_ASSIGN_UNIQ", 3, true},
	CmdSubmitJobHighBG: {"SUBMIT_JOB_HIGH_BG", 2, true},
	CmdSubmitJobLow:    {"SUBMIT_JOB_LOW", 2, true},
	CmdSubmitJobLowBG:  {"SUBMIT_JOB_LOW_BG", 2, true},
	CmdSubmitJobSched:  {"SUBMIT_JOB_SCHED", 7, true},
	CmdSubmitJobEpoch:  {"SUBMIT_JOB_EPOCH", 3, true},
}

// Known reports whether c is a valid command code.
func (c Command) Known() bool {
	_, ok := commandTable[c]
	return ok
}

// Argc returns the declared non-data argument count.
func (c Command) Argc() int { return commandTable[c].argc }

// HasData reports whether the command's payload ends with an opaque data
// block.
func (c Command) HasData() bool { return commandTable[c].data }

func (c Command) String() string {
	if info, ok := commandTable[c]; ok {
		return info.name
	}
	return "UNKNOWN"
}
