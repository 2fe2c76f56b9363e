package route

import "strconv"

// Step is the next action a connection-establishment loop has to perform.
type Step int

const (
	// StepUnreachable is returned alongside an error when the current state
	// cannot be extended into the desired route.
	StepUnreachable Step = iota - 1
	// StepComplete means the desired route is established.
	StepComplete
	// StepConnectTarget opens a direct connection to the target.
	StepConnectTarget
	// StepConnectProxy opens a connection to the first proxy.
	StepConnectProxy
	// StepTunnelTarget tunnels through the proxy chain to the target.
	StepTunnelTarget
	// StepTunnelProxy tunnels through the chain so far to the next proxy.
	StepTunnelProxy
	// StepLayerProtocol layers a protocol over the open connection.
	StepLayerProtocol
)

var stepNames = map[Step]string{
	StepUnreachable:   "UNREACHABLE",
	StepComplete:      "COMPLETE",
	StepConnectTarget: "CONNECT_TARGET",
	StepConnectProxy:  "CONNECT_PROXY",
	StepTunnelTarget:  "TUNNEL_TARGET",
	StepTunnelProxy:   "TUNNEL_PROXY",
	StepLayerProtocol: "LAYER_PROTOCOL",
}

func (s Step) String() string {
	if n, ok := stepNames[s]; ok {
		return n
	}
	return "Step(" + strconv.Itoa(int(s)) + ")"
}

// Director computes the next step towards a route. BasicDirector is the
// implementation used unless a caller supplies its own.
type Director interface {
	NextStep(desired, current *Route) (Step, error)
}

// BasicDirector implements Director with NextStep.
type BasicDirector struct{}

// NextStep implements Director.
func (BasicDirector) NextStep(desired, current *Route) (Step, error) {
	return NextStep(desired, current)
}

// NextStep returns the next step needed to get from current to desired.
// current is the tracker's snapshot, nil while nothing is connected.
//
// When current cannot be extended into desired, for example because it is
// tunnelled and desired is not, NextStep returns StepUnreachable and an
// *UnreachableError.
func NextStep(desired, current *Route) (Step, error) {
	if desired == nil {
		return StepUnreachable, invalidArgument("NextStep", "desired route must not be nil")
	}
	if current == nil {
		if len(desired.proxies) == 0 {
			return StepConnectTarget, nil
		}
		return StepConnectProxy, nil
	}
	if len(current.proxies) < len(desired.proxies) {
		return StepTunnelProxy, nil
	}
	if len(desired.proxies) > 0 && desired.tunnelled && !current.tunnelled {
		return StepTunnelTarget, nil
	}
	if desired.layered && !current.layered {
		return StepLayerProtocol, nil
	}
	if current.Equal(desired) {
		return StepComplete, nil
	}
	return StepUnreachable, &UnreachableError{Desired: desired, Current: current}
}
