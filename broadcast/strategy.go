package broadcast

import "fmt"

// Strategy selects the broadcast implementation.
type Strategy int

const (
	Library Strategy = iota
	Linear
)

// StrategyFor maps the --custom switch to a strategy.
func StrategyFor(custom bool) Strategy {
	if custom {
		return Linear
	}
	return Library
}

func (s Strategy) String() string {
	switch s {
	case Library:
		return "library"
	case Linear:
		return "linear"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}
