package adapters

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	nethttp "net/http"
	"time"

	"github.com/Marketen/verifier-node/internal/application/domain"

	"github.com/attestantio/go-eth2-client/api"
	apiv1 "github.com/attestantio/go-eth2-client/api/v1"
	eth2http "github.com/attestantio/go-eth2-client/http"
	"github.com/attestantio/go-eth2-client/spec"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/rs/zerolog"
)

// BeaconHTTPAdapter implements ports.BeaconChainAdapter using go-eth2-client.
type BeaconHTTPAdapter struct {
	client *eth2http.Service
}

// NewBeaconHTTPAdapter is the constructor used from main.go.
func NewBeaconHTTPAdapter(ctx context.Context, endpoint string, timeout time.Duration) (*BeaconHTTPAdapter, error) {
	customHTTPClient := &nethttp.Client{
		Timeout: 10 * timeout, // global upper bound; per-request timeout below
	}

	client, err := eth2http.New(
		ctx,
		eth2http.WithAddress(endpoint),
		eth2http.WithHTTPClient(customHTTPClient),
		// This is the per-request timeout used by go-eth2-client.
		eth2http.WithTimeout(timeout),
		// Silence go-eth2-client logs unless they are warnings+.
		eth2http.WithLogLevel(zerolog.WarnLevel),
	)
	if err != nil {
		return nil, err
	}

	return &BeaconHTTPAdapter{client: client.(*eth2http.Service)}, nil
}

// GetFinalizedEpoch returns the latest finalized epoch.
func (b *BeaconHTTPAdapter) GetFinalizedEpoch(ctx context.Context) (domain.Epoch, error) {
	finality, err := b.client.Finality(ctx, &api.FinalityOpts{State: "head"})
	if err != nil {
		return 0, err
	}
	return domain.Epoch(finality.Data.Finalized.Epoch), nil
}

func toBeaconIndices(indices []domain.ValidatorIndex) []phase0.ValidatorIndex {
	beaconIndices := make([]phase0.ValidatorIndex, 0, len(indices))
	for _, idx := range indices {
		beaconIndices = append(beaconIndices, phase0.ValidatorIndex(idx))
	}
	return beaconIndices
}

// GetAttesterDuties returns attester duties for given validators in an epoch.
func (b *BeaconHTTPAdapter) GetAttesterDuties(
	ctx context.Context,
	epoch domain.Epoch,
	indices []domain.ValidatorIndex,
) ([]domain.AttesterDuty, error) {
	duties, err := b.client.AttesterDuties(ctx, &api.AttesterDutiesOpts{
		Epoch:   phase0.Epoch(epoch),
		Indices: toBeaconIndices(indices),
	})
	if err != nil {
		return nil, err
	}

	result := make([]domain.AttesterDuty, 0, len(duties.Data))
	for _, d := range duties.Data {
		result = append(result, domain.AttesterDuty{
			ValidatorIndex:        domain.ValidatorIndex(d.ValidatorIndex),
			Slot:                  domain.Slot(d.Slot),
			CommitteeIndex:        domain.CommitteeIndex(d.CommitteeIndex),
			ValidatorCommitteeIdx: d.ValidatorCommitteeIndex,
		})
	}
	return result, nil
}

// GetProposerDuties returns proposer duties for given validators in an epoch.
func (b *BeaconHTTPAdapter) GetProposerDuties(
	ctx context.Context,
	epoch domain.Epoch,
	indices []domain.ValidatorIndex,
) ([]domain.ProposerDuty, error) {
	resp, err := b.client.ProposerDuties(ctx, &api.ProposerDutiesOpts{
		Epoch:   phase0.Epoch(epoch),
		Indices: toBeaconIndices(indices),
	})
	if err != nil {
		return nil, err
	}

	duties := make([]domain.ProposerDuty, 0, len(resp.Data))
	for _, d := range resp.Data {
		duties = append(duties, domain.ProposerDuty{
			ValidatorIndex: domain.ValidatorIndex(d.ValidatorIndex),
			Slot:           domain.Slot(d.Slot),
		})
	}
	return duties, nil
}

func isNotFound(err error) bool {
	var apiErr *api.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}

// DidProposeBlock checks whether a block exists at a given slot.
func (b *BeaconHTTPAdapter) DidProposeBlock(ctx context.Context, slot domain.Slot) (bool, error) {
	block, err := b.client.SignedBeaconBlock(ctx, &api.SignedBeaconBlockOpts{
		Block: fmt.Sprintf("%d", slot),
	})
	if err != nil {
		// Missed slot → 404.
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return block != nil && block.Data != nil, nil
}

// GetEpochCommittees returns:
//
//	data-slot → committee-index → []validatorIndex
func (b *BeaconHTTPAdapter) GetEpochCommittees(ctx context.Context, epoch domain.Epoch) (domain.EpochCommittees, error) {
	e := phase0.Epoch(epoch)
	resp, err := b.client.BeaconCommittees(ctx, &api.BeaconCommitteesOpts{
		State: "head",
		Epoch: &e,
	})
	if err != nil {
		return nil, err
	}

	result := make(domain.EpochCommittees)
	for _, c := range resp.Data {
		slot := domain.Slot(c.Slot)
		vals := make([]domain.ValidatorIndex, len(c.Validators))
		for i, v := range c.Validators {
			vals[i] = domain.ValidatorIndex(v)
		}
		slotMap, ok := result[slot]
		if !ok {
			slotMap = make(map[domain.CommitteeIndex][]domain.ValidatorIndex)
			result[slot] = slotMap
		}
		slotMap[domain.CommitteeIndex(c.Index)] = vals
	}
	return result, nil
}

// GetBlockAttestations returns all attestations included in the block at `slot`. A missed
// slot (404) has none. Pre-Electra attestations name their single committee in the data,
// so a one-bit committee bitfield is synthesized for them.
func (b *BeaconHTTPAdapter) GetBlockAttestations(ctx context.Context, slot domain.Slot) ([]domain.Attestation, error) {
	block, err := b.client.SignedBeaconBlock(ctx, &api.SignedBeaconBlockOpts{
		Block: fmt.Sprintf("%d", slot),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if block == nil || block.Data == nil {
		return nil, nil
	}

	var out []domain.Attestation
	switch block.Data.Version {
	case spec.DataVersionElectra:
		for _, att := range block.Data.Electra.Message.Body.Attestations {
			out = append(out, domain.Attestation{
				IncludedSlot:    slot,
				DataSlot:        domain.Slot(att.Data.Slot),
				CommitteeBits:   att.CommitteeBits,
				AggregationBits: att.AggregationBits,
			})
		}
	case spec.DataVersionDeneb:
		for _, att := range block.Data.Deneb.Message.Body.Attestations {
			out = append(out, domain.Attestation{
				IncludedSlot:    slot,
				DataSlot:        domain.Slot(att.Data.Slot),
				CommitteeBits:   singleCommitteeBits(uint64(att.Data.Index)),
				AggregationBits: att.AggregationBits,
			})
		}
	default:
		// Older forks are not supported.
		return nil, nil
	}
	return out, nil
}

func singleCommitteeBits(index uint64) []byte {
	bits := make([]byte, index/8+1)
	bits[index/8] |= 1 << (index % 8)
	return bits
}

// GetValidatorIndicesByPubkeys resolves active validator public keys to indices.
func (b *BeaconHTTPAdapter) GetValidatorIndicesByPubkeys(ctx context.Context, pubkeys []string) ([]domain.ValidatorIndex, error) {
	var beaconPubkeys []phase0.BLSPubKey

	for _, hexPubkey := range pubkeys {
		if len(hexPubkey) >= 2 && hexPubkey[:2] == "0x" {
			hexPubkey = hexPubkey[2:]
		}

		bytes, err := hex.DecodeString(hexPubkey)
		if err != nil {
			return nil, errors.New("failed to decode pubkey: " + hexPubkey)
		}
		if len(bytes) != 48 {
			return nil, errors.New("invalid pubkey length for: " + hexPubkey)
		}

		var blsPubkey phase0.BLSPubKey
		copy(blsPubkey[:], bytes)
		beaconPubkeys = append(beaconPubkeys, blsPubkey)
	}

	validators, err := b.client.Validators(ctx, &api.ValidatorsOpts{
		State:   "head",
		PubKeys: beaconPubkeys,
		ValidatorStates: []apiv1.ValidatorState{
			apiv1.ValidatorStateActiveOngoing,
			apiv1.ValidatorStateActiveExiting,
			apiv1.ValidatorStateActiveSlashed,
		},
	})
	if err != nil {
		return nil, err
	}

	indices := make([]domain.ValidatorIndex, 0, len(validators.Data))
	for _, v := range validators.Data {
		indices = append(indices, domain.ValidatorIndex(v.Index))
	}
	return indices, nil
}

// GetGenesisTime returns the chain genesis time.
func (b *BeaconHTTPAdapter) GetGenesisTime(ctx context.Context) (time.Time, error) {
	resp, err := b.client.Genesis(ctx, &api.GenesisOpts{})
	if err != nil {
		return time.Time{}, err
	}
	return resp.Data.GenesisTime, nil
}

// GetSlotDuration returns SECONDS_PER_SLOT from the node's spec.
func (b *BeaconHTTPAdapter) GetSlotDuration(ctx context.Context) (time.Duration, error) {
	resp, err := b.client.Spec(ctx, &api.SpecOpts{})
	if err != nil {
		return 0, err
	}
	switch v := resp.Data["SECONDS_PER_SLOT"].(type) {
	case time.Duration:
		return v, nil
	case uint64:
		return time.Duration(v) * time.Second, nil
	default:
		return 0, fmt.Errorf("unexpected SECONDS_PER_SLOT value %v", v)
	}
}

// GetHeadSlot returns the slot of the head block header.
func (b *BeaconHTTPAdapter) GetHeadSlot(ctx context.Context) (domain.Slot, error) {
	resp, err := b.client.BeaconBlockHeader(ctx, &api.BeaconBlockHeaderOpts{Block: "head"})
	if err != nil {
		return 0, err
	}
	if resp.Data == nil || resp.Data.Header == nil || resp.Data.Header.Message == nil {
		return 0, errors.New("head header missing from response")
	}
	return domain.Slot(resp.Data.Header.Message.Slot), nil
}
