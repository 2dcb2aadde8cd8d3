package rtsp

type Method string

const (
	MethodOptions      Method = "OPTIONS"
	MethodDescribe     Method = "DESCRIBE"
	MethodSetup        Method = "SETUP"
	MethodPlay         Method = "PLAY"
	MethodPause        Method = "PAUSE"
	MethodTeardown     Method = "TEARDOWN"
	MethodAnnounce     Method = "ANNOUNCE"
	MethodRecord       Method = "RECORD"
	MethodGetParameter Method = "GET_PARAMETER"
	MethodSetParameter Method = "SET_PARAMETER"
	MethodRedirect     Method = "REDIRECT"
)

// ServedMethods are the methods the server implements, in the order they
// are advertised.
var ServedMethods = []Method{
	MethodOptions,
	MethodDescribe,
	MethodSetup,
	MethodPlay,
	MethodPause,
	MethodTeardown,
}

func (m Method) String() string {
	return string(m)
}
