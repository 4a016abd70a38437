package telnet

// Telnet command bytes (RFC 854).
const (
	cmdSE   byte = 240 // end of subnegotiation
	cmdNOP  byte = 241
	cmdSB   byte = 250 // begin subnegotiation
	cmdWILL byte = 251
	cmdWONT byte = 252
	cmdDO   byte = 253
	cmdDONT byte = 254
	cmdIAC  byte = 255
)

// Option codes we negotiate.
const (
	optBinary       byte = 0
	optEcho         byte = 1
	optSuppressGA   byte = 3
	optTerminalType byte = 24
	optNAWS         byte = 31
)

// Terminal-type subnegotiation verbs.
const (
	ttypeIS   byte = 0
	ttypeSEND byte = 1
)

// acceptLocal reports whether we agree to enable an option on our side
// when the peer sends DO. Everything else is refused with WONT.
func acceptLocal(opt byte) bool {
	switch opt {
	case optBinary, optSuppressGA, optTerminalType, optNAWS:
		return true
	}
	return false
}

// acceptRemote reports whether we agree to the peer enabling an option
// (their WILL). Remote echo is wanted: the BBS drives the display.
func acceptRemote(opt byte) bool {
	switch opt {
	case optBinary, optEcho, optSuppressGA:
		return true
	}
	return false
}

// cmdName returns a readable name for negotiation logging.
func cmdName(b byte) string {
	switch b {
	case cmdWILL:
		return "WILL"
	case cmdWONT:
		return "WONT"
	case cmdDO:
		return "DO"
	case cmdDONT:
		return "DONT"
	case cmdSB:
		return "SB"
	case cmdSE:
		return "SE"
	case cmdNOP:
		return "NOP"
	}
	return "?"
}
