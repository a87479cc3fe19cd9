package reliability

import "fmt"

// Strategy selects the loss-recovery behavior. Selection is per-process;
// both endpoints of a link must agree.
type Strategy string

const (
	// StrategySimple sends every chunk once and relies solely on the
	// end-to-end ACK and outbox retry.
	StrategySimple Strategy = "simple"

	// StrategyStage adds receiver-driven recovery: completion markers and
	// reactive NACKs, but no sender-side bitmap polling.
	StrategyStage Strategy = "stage"

	// StrategyWindow is the default: stage behavior plus sender-issued
	// bitmap requests on progress timeout.
	StrategyWindow Strategy = "window"

	// StrategyWindowFEC is reserved for forward error correction. The
	// wire format already accommodates parity chunks; until they are
	// generated this behaves as StrategyWindow.
	StrategyWindowFEC Strategy = "window_fec"
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategySimple, StrategyStage, StrategyWindow, StrategyWindowFEC:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown reliability method %q", s)
	}
}

// recovers reports whether the strategy performs any chunk-level recovery.
func (s Strategy) recovers() bool {
	return s != StrategySimple
}

// polls reports whether the sender issues bitmap requests on timeout.
func (s Strategy) polls() bool {
	return s == StrategyWindow || s == StrategyWindowFEC
}
