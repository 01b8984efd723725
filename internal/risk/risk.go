// Package risk classifies token approvals and defines the risk events that
// flow from the monitoring paths to subscribers.
//
// Classification is a pure function of three facts about an approval:
// whether the spender has contract code, whether the owner trusts it, and
// how large the allowance is. All reasons that apply are collected; the
// verdict is derived from the set of reasons.
package risk

import (
	"github.com/holiman/uint256"
)

// Level is the verdict of a classification.
type Level string

const (
	LevelSafe    Level = "SAFE"
	LevelWarning Level = "WARNING"
	LevelDanger  Level = "DANGER"
)

// Reasons, in the order they are evaluated.
const (
	ReasonEOA            = "spender is an externally-owned account, not a contract"
	ReasonNotWhitelisted = "spender is not on the owner's trusted list"
	ReasonUnlimited      = "approval amount is effectively unlimited"
)

var (
	// MaxUint256 is 2^256 - 1, the conventional "infinite" approval.
	MaxUint256 = new(uint256.Int).SetAllOne()

	// unlimitedThreshold is floor(MaxUint256 * 9 / 10).
	unlimitedThreshold = mulDiv(MaxUint256, 9, 10)

	// infiniteThreshold is floor(MaxUint256 / 2).
	infiniteThreshold = new(uint256.Int).Rsh(MaxUint256, 1)
)

func mulDiv(x *uint256.Int, num, den uint64) *uint256.Int {
	z, overflow := new(uint256.Int).MulDivOverflow(x, uint256.NewInt(num), uint256.NewInt(den))
	if overflow {
		panic("risk: threshold overflow")
	}
	return z
}

// Verdict is a risk level plus the ordered reasons that justify it.
type Verdict struct {
	Level   Level    `json:"level"`
	Reasons []string `json:"reasons"`
}

// IsSafe reports whether no reason applied.
func (v Verdict) IsSafe() bool { return v.Level == LevelSafe }

// Has reports whether reason is among the verdict's reasons.
func (v Verdict) Has(reason string) bool {
	for _, r := range v.Reasons {
		if r == reason {
			return true
		}
	}
	return false
}

// Classify evaluates an approval. A nil allowance is treated as zero.
//
// "Not whitelisted" on its own is only a warning. An EOA spender or an
// unlimited amount is a danger regardless of the other factors.
func Classify(isContract, isWhitelisted bool, allowance *uint256.Int) Verdict {
	reasons := make([]string, 0, 3)

	if !isContract {
		reasons = append(reasons, ReasonEOA)
	}
	if !isWhitelisted {
		reasons = append(reasons, ReasonNotWhitelisted)
	}
	if IsUnlimited(allowance) {
		reasons = append(reasons, ReasonUnlimited)
	}

	v := Verdict{Level: LevelSafe, Reasons: reasons}
	switch {
	case len(reasons) == 0:
	case v.Has(ReasonUnlimited) || v.Has(ReasonEOA):
		v.Level = LevelDanger
	default:
		v.Level = LevelWarning
	}
	return v
}

// IsUnlimited reports whether allowance exceeds 90% of MaxUint256.
func IsUnlimited(allowance *uint256.Int) bool {
	return allowance != nil && allowance.Gt(unlimitedThreshold)
}

// IsInfinite reports whether allowance is at least half of MaxUint256.
// This is the looser threshold used by scan summaries.
func IsInfinite(allowance *uint256.Int) bool {
	return allowance != nil && !allowance.Lt(infiniteThreshold)
}
