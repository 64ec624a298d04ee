package instrument

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// OptionChainDepth is the number of strikes in an option-chain ladder.
const OptionChainDepth = 6

// Option types.
const (
	OptionCall = "CE"
	OptionPut  = "PE"
)

// StrikeLadder returns OptionChainDepth strikes spaced by the index's step
// size around spot rounded to the nearest step. Half of the ladder sits below
// the rounded strike, the rest starts at it.
func StrikeLadder(spec IndexSpec, spot float64) []int64 {
	if spec.StepSize <= 0 || spot <= 0 {
		return nil
	}
	step := spec.StepSize
	atm := int64(math.RoundToEven(spot/float64(step))) * step
	start := atm - OptionChainDepth/2*step
	strikes := make([]int64, 0, OptionChainDepth)
	for i := int64(0); i < OptionChainDepth; i++ {
		if s := start + i*step; s > 0 {
			strikes = append(strikes, s)
		}
	}
	return strikes
}

// OptionSymbol builds the master symbol of an index option, for example
// "NIFTY 29 AUG 2024 CE 24000.00".
func OptionSymbol(spec IndexSpec, expiry time.Time, optionType string, strike int64) string {
	return fmt.Sprintf("%s %s %s %.2f", spec.Symbol, strings.ToUpper(expiry.Format("02 Jan 2006")),
		strings.ToUpper(optionType), float64(strike))
}

// OptionChain returns the instrument keys of the call and put at every
// strike of the ladder for expiry, calls first at each strike.
func OptionChain(spec IndexSpec, spot float64, expiry time.Time) []string {
	strikes := StrikeLadder(spec, spot)
	keys := make([]string, 0, 2*len(strikes))
	for _, s := range strikes {
		for _, typ := range []string{OptionCall, OptionPut} {
			keys = append(keys, spec.Exchange+":"+OptionSymbol(spec, expiry, typ, s))
		}
	}
	return keys
}
