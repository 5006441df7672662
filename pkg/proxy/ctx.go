package proxy

// Direction says how a request is being carried through the proxy.
type Direction string

const (
	DirectionPlain  Direction = "plain-http"
	DirectionTunnel Direction = "connect-tunnel"
)

// Ctx is the per-request context. It is created when the dispatcher
// accepts a unit of work, owned exclusively by the handler processing it,
// and holds nothing once the connection is gone.
type Ctx struct {
	// ReqID is unique and monotonically increasing for the life of the
	// process.
	ReqID     int64
	Direction Direction
	Host      string
	Port      string
	Method    string
	Path      string
}
