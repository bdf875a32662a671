package slp

import "fmt"

// Command is the first byte of a system packet body. A response carries
// its command with the high bit set.
type Command uint8

const (
	CmdState             Command = 0x00
	CmdReadMem           Command = 0x01
	CmdWriteMem          Command = 0x02
	CmdSingleStep        Command = 0x03
	CmdGetRtnName        Command = 0x04
	CmdReadRegs          Command = 0x05
	CmdWriteRegs         Command = 0x06
	CmdContinue          Command = 0x07
	CmdRPC               Command = 0x0A
	CmdGetBreakpoints    Command = 0x0B
	CmdSetBreakpoints    Command = 0x0C
	CmdDbgBreakToggle    Command = 0x0D
	CmdFlash             Command = 0x0E
	CmdComm              Command = 0x0F
	CmdGetTrapBreaks     Command = 0x10
	CmdSetTrapBreaks     Command = 0x11
	CmdGremlins          Command = 0x12
	CmdFind              Command = 0x13
	CmdGetTrapConditions Command = 0x14
	CmdSetTrapConditions Command = 0x15
	CmdChecksum          Command = 0x16
	CmdExecFlash         Command = 0x17
	CmdRPC2              Command = 0x70
	CmdRemoteMsg         Command = 0x7F

	rspBit Command = 0x80
)

func (c Command) Response() Command {
	return c | rspBit
}

func (c Command) IsResponse() bool {
	return c&rspBit != 0 && c != CmdRemoteMsg
}

var commandNames = map[Command]string{
	CmdState:             "State",
	CmdReadMem:           "ReadMem",
	CmdWriteMem:          "WriteMem",
	CmdSingleStep:        "SingleStep",
	CmdGetRtnName:        "GetRtnName",
	CmdReadRegs:          "ReadRegs",
	CmdWriteRegs:         "WriteRegs",
	CmdContinue:          "Continue",
	CmdRPC:               "RPC",
	CmdGetBreakpoints:    "GetBreakpoints",
	CmdSetBreakpoints:    "SetBreakpoints",
	CmdDbgBreakToggle:    "DbgBreakToggle",
	CmdFlash:             "Flash",
	CmdComm:              "Comm",
	CmdGetTrapBreaks:     "GetTrapBreaks",
	CmdSetTrapBreaks:     "SetTrapBreaks",
	CmdGremlins:          "Gremlins",
	CmdFind:              "Find",
	CmdGetTrapConditions: "GetTrapConditions",
	CmdSetTrapConditions: "SetTrapConditions",
	CmdChecksum:          "Checksum",
	CmdExecFlash:         "ExecFlash",
	CmdRPC2:              "RPC2",
	CmdRemoteMsg:         "RemoteMsg",
}

func (c Command) String() string {
	if c.IsResponse() {
		if name, ok := commandNames[c&^rspBit]; ok {
			return name + "Rsp"
		}
	} else if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(0x%02x)", uint8(c))
}
