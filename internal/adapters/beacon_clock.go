package adapters

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Marketen/verifier-node/internal/application/ports"
)

// BeaconClock reports ledger time as the timestamp of the beacon head slot, which is
// what an execution-layer contract sees as block.timestamp.
type BeaconClock struct {
	beacon ports.BeaconChainAdapter

	mu           sync.Mutex
	genesis      time.Time
	slotDuration time.Duration
}

// NewBeaconClock wraps a beacon chain adapter as a ports.ChainClock.
func NewBeaconClock(beacon ports.BeaconChainAdapter) *BeaconClock {
	return &BeaconClock{beacon: beacon}
}

// Now implements ports.ChainClock. Genesis and slot duration are read once.
func (c *BeaconClock) Now(ctx context.Context) (time.Time, error) {
	genesis, slotDuration, err := c.constants(ctx)
	if err != nil {
		return time.Time{}, err
	}
	slot, err := c.beacon.GetHeadSlot(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("could not read head slot: %w", err)
	}
	return genesis.Add(time.Duration(slot) * slotDuration), nil
}

func (c *BeaconClock) constants(ctx context.Context) (time.Time, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slotDuration > 0 {
		return c.genesis, c.slotDuration, nil
	}
	genesis, err := c.beacon.GetGenesisTime(ctx)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("could not read genesis: %w", err)
	}
	slotDuration, err := c.beacon.GetSlotDuration(ctx)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("could not read slot duration: %w", err)
	}
	if slotDuration <= 0 {
		return time.Time{}, 0, fmt.Errorf("invalid slot duration %s", slotDuration)
	}
	c.genesis, c.slotDuration = genesis, slotDuration
	return genesis, slotDuration, nil
}
