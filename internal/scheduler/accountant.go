package scheduler

import "fmt"

// Accountant defaults. A block holds DefaultBlockSize tokens of KV cache;
// DefaultMaxUnits blocks cover roughly 256K tokens.
const (
	DefaultBlockSize = 16
	DefaultMaxUnits  = 16384
)

// Accountant converts a job's shape into a ResourceCost measured in KV-cache
// blocks: ceil((promptLen + maxOutputLen) / blockSize). The mapping is pure,
// deterministic and monotonic in both inputs.
type Accountant struct {
	blockSize int
	maxUnits  uint64
}

// NewAccountant returns an Accountant. Non-positive arguments select the defaults.
func NewAccountant(blockSize int, maxUnits uint64) *Accountant {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	if maxUnits == 0 {
		maxUnits = DefaultMaxUnits
	}
	return &Accountant{blockSize: blockSize, maxUnits: maxUnits}
}

func (a *Accountant) BlockSize() int   { return a.blockSize }
func (a *Accountant) MaxUnits() uint64 { return a.maxUnits }

// TokensToBlocks rounds a token count up to whole blocks.
func (a *Accountant) TokensToBlocks(tokens int) uint64 {
	if tokens <= 0 {
		return 0
	}
	bs := uint64(a.blockSize)
	blocks := uint64(tokens) / bs
	if uint64(tokens)%bs != 0 {
		blocks++
	}
	return blocks
}

// BlocksToTokens returns the token capacity of n blocks.
func (a *Accountant) BlocksToTokens(blocks uint64) int {
	return int(blocks) * a.blockSize
}

// CalculateCost returns the reservation for a job with the given prompt and
// requested output length. It fails only on invalid input.
func (a *Accountant) CalculateCost(promptLen, maxOutputLen int) (ResourceCost, error) {
	if promptLen < 0 {
		return ResourceCost{}, reject(InvalidCost, "", fmt.Sprintf("prompt length must not be negative, got %d", promptLen))
	}
	if maxOutputLen <= 0 {
		return ResourceCost{}, reject(InvalidCost, "", fmt.Sprintf("max output length must be positive, got %d", maxOutputLen))
	}
	// both lengths fit in 63 bits, so the sum cannot wrap; round up without
	// adding to it
	bs := uint64(a.blockSize)
	total := uint64(promptLen) + uint64(maxOutputLen)
	blocks := total / bs
	if total%bs != 0 {
		blocks++
	}
	return KVBlockCost(blocks), nil
}

// Fits reports whether cost could ever be admitted against MaxUnits.
func (a *Accountant) Fits(cost ResourceCost) bool { return cost.Units <= a.maxUnits }
