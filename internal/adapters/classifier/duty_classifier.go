// Package classifier decides subject compliance from uploaded duty reports.
package classifier

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"github.com/Marketen/verifier-node/internal/application/domain"
)

var reportDecMode = func() cbor.DecMode {
	decMode, err := cbor.DecOptions{
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 16,
		MaxNestedLevels:  16,
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return decMode
}()

var reportEncMode = func() cbor.EncMode {
	encMode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return encMode
}()

// EncodeReport serializes a duty report with deterministic CBOR, so identical reports
// upload as identical bytes.
func EncodeReport(r *domain.DutyReport) ([]byte, error) {
	return reportEncMode.Marshal(r)
}

// DecodeReport parses a duty report artifact.
func DecodeReport(data []byte) (*domain.DutyReport, error) {
	var r domain.DutyReport
	if err := reportDecMode.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("malformed duty report: %w", err)
	}
	return &r, nil
}

// DutyClassifier answers true when a validator missed no more duties than tolerated.
type DutyClassifier struct {
	log                   zerolog.Logger
	MaxMissedAttestations int
	MaxMissedProposals    int
}

// NewDutyClassifier constructs a DutyClassifier with the given tolerances.
func NewDutyClassifier(log zerolog.Logger, maxMissedAttestations, maxMissedProposals int) *DutyClassifier {
	return &DutyClassifier{
		log:                   log.With().Str("module", "classifier").Logger(),
		MaxMissedAttestations: maxMissedAttestations,
		MaxMissedProposals:    maxMissedProposals,
	}
}

// Classify implements ports.Classifier.
func (c *DutyClassifier) Classify(_ context.Context, artifact []byte) (bool, error) {
	report, err := DecodeReport(artifact)
	if err != nil {
		return false, err
	}
	if len(report.AttesterDuties) == 0 && len(report.ProposerDuties) == 0 {
		return false, fmt.Errorf("duty report for validator %d lists no duties", report.Validator)
	}
	v := report.Evaluate()
	compliant := v.MissedAttestations <= c.MaxMissedAttestations && v.MissedProposals <= c.MaxMissedProposals
	c.log.Debug().
		Uint64("validator", uint64(report.Validator)).
		Uint64("epoch", uint64(report.Epoch)).
		Int("attested", v.Attested).
		Int("missed_attestations", v.MissedAttestations).
		Int("proposed", v.Proposed).
		Int("missed_proposals", v.MissedProposals).
		Bool("compliant", compliant).
		Msg("classified duty report")
	return compliant, nil
}
