// internal/lane/lane.go
package lane

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"

	"github.com/holiman/uint256"
)

// Count is the number of lanes in one word.
const Count = 4

var (
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrValueOverflow   = errors.New("value overflow")
)

// PackedLane stores four independent uint64 counters in one 256-bit word.
// Lane i is limb i of the word. Arithmetic on a lane never carries into or
// borrows from a neighbouring lane.
//
// PackedLane is a value type: every mutator returns the updated word and
// leaves the receiver untouched.
type PackedLane struct {
	word uint256.Int
}

// FromWord wraps a raw 256-bit word.
func FromWord(w *uint256.Int) PackedLane {
	return PackedLane{word: *w}
}

// FromLanes builds a word from four lane values.
func FromLanes(lanes [Count]uint64) PackedLane {
	return PackedLane{word: uint256.Int(lanes)}
}

// Word returns a copy of the underlying 256-bit word.
func (p PackedLane) Word() *uint256.Int {
	w := p.word
	return &w
}

// Lanes returns the four lane values.
func (p PackedLane) Lanes() [Count]uint64 {
	return [Count]uint64(p.word)
}

func (p PackedLane) IsZero() bool {
	return p.word.IsZero()
}

// Get returns lane i.
func (p PackedLane) Get(i int) (uint64, error) {
	if err := checkIndex(i); err != nil {
		return 0, err
	}
	return p.word[i], nil
}

// GetUnchecked returns lane i. The caller guarantees 0 <= i < Count.
func (p PackedLane) GetUnchecked(i int) uint64 {
	return p.word[i]
}

// Set writes v into lane i. v must fit in 64 bits.
func (p PackedLane) Set(i int, v *uint256.Int) (PackedLane, error) {
	if err := checkIndex(i); err != nil {
		return p, err
	}
	if !v.IsUint64() {
		return p, fmt.Errorf("set lane %d: %w", i, ErrValueOverflow)
	}
	p.word[i] = v.Uint64()
	return p, nil
}

// SetUint64 writes v into lane i.
func (p PackedLane) SetUint64(i int, v uint64) (PackedLane, error) {
	if err := checkIndex(i); err != nil {
		return p, err
	}
	p.word[i] = v
	return p, nil
}

// SetUnchecked writes v into lane i. The caller guarantees 0 <= i < Count.
func (p PackedLane) SetUnchecked(i int, v uint64) PackedLane {
	p.word[i] = v
	return p
}

// Add adds v to lane i, failing if the lane would exceed 2^64-1.
func (p PackedLane) Add(i int, v *uint256.Int) (PackedLane, error) {
	if err := checkIndex(i); err != nil {
		return p, err
	}
	if !v.IsUint64() {
		return p, fmt.Errorf("add lane %d: %w", i, ErrValueOverflow)
	}
	return p.AddUint64(i, v.Uint64())
}

// AddUint64 adds v to lane i, failing if the lane would exceed 2^64-1.
func (p PackedLane) AddUint64(i int, v uint64) (PackedLane, error) {
	if err := checkIndex(i); err != nil {
		return p, err
	}
	sum, carry := bits.Add64(p.word[i], v, 0)
	if carry != 0 {
		return p, fmt.Errorf("add lane %d: %w", i, ErrValueOverflow)
	}
	p.word[i] = sum
	return p, nil
}

// AddUnchecked adds v to lane i, wrapping within the lane on overflow.
func (p PackedLane) AddUnchecked(i int, v uint64) PackedLane {
	p.word[i] += v
	return p
}

// Sub subtracts v from lane i, failing if the lane would go negative.
func (p PackedLane) Sub(i int, v *uint256.Int) (PackedLane, error) {
	if err := checkIndex(i); err != nil {
		return p, err
	}
	if !v.IsUint64() {
		return p, fmt.Errorf("sub lane %d: %w", i, ErrValueOverflow)
	}
	return p.SubUint64(i, v.Uint64())
}

// SubUint64 subtracts v from lane i, failing if the lane would go negative.
func (p PackedLane) SubUint64(i int, v uint64) (PackedLane, error) {
	if err := checkIndex(i); err != nil {
		return p, err
	}
	diff, borrow := bits.Sub64(p.word[i], v, 0)
	if borrow != 0 {
		return p, fmt.Errorf("sub lane %d: %w", i, ErrValueOverflow)
	}
	p.word[i] = diff
	return p, nil
}

// SubUnchecked subtracts v from lane i, wrapping within the lane.
func (p PackedLane) SubUnchecked(i int, v uint64) PackedLane {
	p.word[i] -= v
	return p
}

// Total returns the sum of all lanes. The result needs at most 66 bits.
func (p PackedLane) Total() *uint256.Int {
	total := new(uint256.Int)
	for i := 0; i < Count; i++ {
		total.Add(total, uint256.NewInt(p.word[i]))
	}
	return total
}

func (p PackedLane) String() string {
	return fmt.Sprintf("[%d %d %d %d]", p.word[0], p.word[1], p.word[2], p.word[3])
}

func (p PackedLane) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Lanes())
}

func (p *PackedLane) UnmarshalJSON(data []byte) error {
	var lanes [Count]uint64
	if err := json.Unmarshal(data, &lanes); err != nil {
		return err
	}
	*p = FromLanes(lanes)
	return nil
}

func checkIndex(i int) error {
	if i < 0 || i >= Count {
		return fmt.Errorf("lane %d: %w", i, ErrIndexOutOfRange)
	}
	return nil
}
