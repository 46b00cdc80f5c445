package mysqlwire

// MySQL client/server capability flags (the subset this driver needs).
const (
	capLongPassword              uint32 = 1 << 0
	capConnectWithDB             uint32 = 1 << 3
	capLongFlag                  uint32 = 1 << 2
	capProtocol41                uint32 = 1 << 9
	capReserved2                 uint32 = 1 << 13
	capPluginAuth                uint32 = 1 << 19
	capPluginAuthLenencClientData uint32 = 1 << 21
	capDeprecateEOF              uint32 = 1 << 24
)

// clientCapabilities is the fixed set this client advertises, before
// intersecting with what the server offered and optionally adding
// capConnectWithDB.
const clientCapabilities = capLongPassword |
	capLongFlag |
	capProtocol41 |
	capReserved2 |
	capPluginAuth |
	capPluginAuthLenencClientData |
	capDeprecateEOF

// Response packet first-byte indicators.
const (
	respOK  byte = 0x00
	respEOF byte = 0xfe
	respErr byte = 0xff
)

// Auth packet continuation indicators.
const (
	authMoreData   byte = 0x01
	authSwitchReq  byte = 0xfe
)
