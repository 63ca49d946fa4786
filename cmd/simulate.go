package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Marketen/verifier-node/internal/adapters/artifacts"
	"github.com/Marketen/verifier-node/internal/adapters/classifier"
	"github.com/Marketen/verifier-node/internal/adapters/memledger"
	"github.com/Marketen/verifier-node/internal/adapters/secretstore"
	"github.com/Marketen/verifier-node/internal/application/domain"
	"github.com/Marketen/verifier-node/internal/application/lottery"
	"github.com/Marketen/verifier-node/internal/application/services"
	"github.com/Marketen/verifier-node/internal/logger"
	"github.com/Marketen/verifier-node/internal/metrics"
)

// scenario is the TOML description of a simulated network.
type scenario struct {
	Rounds        int           `toml:"rounds"`
	Threshold     string        `toml:"threshold"`
	StakeUnit     string        `toml:"stake_unit"`
	CommitteeSize int           `toml:"committee_size"`
	StageDuration string        `toml:"stage_duration"`
	Verifiers     []simVerifier `toml:"verifier"`
	Subjects      []simSubject  `toml:"subject"`
}

type simVerifier struct {
	Address         string   `toml:"address"`
	Stake           string   `toml:"stake"`
	WithholdReveals bool     `toml:"withhold_reveals"`
	InvertAll       bool     `toml:"invert_all"`
	InvertSubjects  []string `toml:"invert_subjects"`
}

type simSubject struct {
	Address   string `toml:"address"`
	Pool      string `toml:"pool"`
	Compliant bool   `toml:"compliant"`
}

var (
	flagScenario    string
	flagArtifactDir string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a scenario of verifiers against an in-memory ledger and print the evidence claimed",
	RunE:  runSimulation,
}

func init() {
	simulateCmd.Flags().StringVar(&flagScenario, "scenario", "", "scenario TOML file")
	_ = simulateCmd.MarkFlagRequired("scenario")
	simulateCmd.Flags().StringVar(&flagArtifactDir, "artifact-dir", "", "where subject duty reports are written (default: a temporary directory)")
}

func loadScenario(path string) (*scenario, error) {
	sc := &scenario{Rounds: 1, StageDuration: "300ms", StakeUnit: "1"}
	if _, err := toml.DecodeFile(path, sc); err != nil {
		return nil, fmt.Errorf("could not read scenario %s: %w", path, err)
	}
	if len(sc.Verifiers) == 0 || len(sc.Subjects) == 0 {
		return nil, fmt.Errorf("scenario needs at least one verifier and one subject")
	}
	if sc.CommitteeSize == 0 {
		sc.CommitteeSize = len(sc.Verifiers)
	}
	return sc, nil
}

func (sc *scenario) params() (lottery.Params, error) {
	threshold := new(uint256.Int).SubUint64(new(uint256.Int).SetAllOne(), 1)
	if sc.Threshold != "" {
		t, err := lottery.ParseThreshold(sc.Threshold)
		if err != nil {
			return lottery.Params{}, err
		}
		threshold = t
	}
	unit, err := uint256.FromDecimal(sc.StakeUnit)
	if err != nil {
		return lottery.Params{}, fmt.Errorf("invalid stake_unit %q: %w", sc.StakeUnit, err)
	}
	p := lottery.Params{Threshold: threshold, StakeUnit: unit, CommitteeSize: sc.CommitteeSize}
	return p, p.Validate()
}

func runSimulation(*cobra.Command, []string) error {
	sc, err := loadScenario(flagScenario)
	if err != nil {
		return err
	}
	dir := flagArtifactDir
	if dir == "" {
		if dir, err = os.MkdirTemp("", "verifier-sim-"); err != nil {
			return err
		}
		defer os.RemoveAll(dir)
	}
	claims, err := simulate(sc, dir)
	if err != nil {
		return err
	}
	printClaims(claims)
	return nil
}

// simulate runs every verifier of sc for sc.Rounds rounds and returns the evidence the
// ledger accepted. Duty reports are written under dir.
func simulate(sc *scenario, dir string) ([]memledger.Claim, error) {
	params, err := sc.params()
	if err != nil {
		return nil, err
	}
	stage, err := time.ParseDuration(sc.StageDuration)
	if err != nil {
		return nil, fmt.Errorf("invalid stage_duration %q: %w", sc.StageDuration, err)
	}
	durations := domain.StageDurations{
		Commit: stage, Reveal: stage, DissentWindow: stage,
		DissentCommit: stage, DissentReveal: stage, Slashing: stage,
	}

	log := logger.Logger()
	ledger, err := memledger.New(log, memledger.Config{Durations: durations, Lottery: params})
	if err != nil {
		return nil, err
	}
	paths, err := writeSubjectReports(ledger, sc.Subjects, dir)
	if err != nil {
		return nil, err
	}

	store := artifacts.NewStore(log, artifacts.WithFetcher("file", artifacts.FileFetcher{Root: dir}))
	dutyClassifier := classifier.NewDutyClassifier(log, 0, 0)
	collector := metrics.NewNoopCollector()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(sc.Rounds*8+4)*stage+30*time.Second)
	defer cancel()

	nodes := make([]*services.Orchestrator, 0, len(sc.Verifiers))
	for _, v := range sc.Verifiers {
		if !common.IsHexAddress(v.Address) {
			return nil, fmt.Errorf("invalid verifier address %q", v.Address)
		}
		addr := common.HexToAddress(v.Address)
		stake, err := uint256.FromDecimal(v.Stake)
		if err != nil {
			return nil, fmt.Errorf("invalid stake %q for %s: %w", v.Stake, v.Address, err)
		}
		ledger.RegisterVerifier(addr, stake)

		faults := services.FaultInjection{WithholdReveals: v.WithholdReveals, InvertAll: v.InvertAll}
		if len(v.InvertSubjects) > 0 {
			faults.InvertSubjects = make(map[common.Address]bool)
			for _, s := range v.InvertSubjects {
				faults.InvertSubjects[common.HexToAddress(s)] = true
			}
		}
		node, err := newSimNode(log, ledger.Client(addr), params, durations, stage, store, dutyClassifier, collector, faults)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}

	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	go uploadEachRound(gctx, ledger, sc.Subjects, paths, done)
	for _, node := range nodes {
		node := node
		g.Go(func() error {
			for i := 0; i < sc.Rounds; i++ {
				if _, err := node.RunRound(gctx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	err = g.Wait()
	close(done)
	if err != nil {
		return nil, fmt.Errorf("simulation failed: %w", err)
	}
	return ledger.Claims(), nil
}

func newSimNode(
	log zerolog.Logger,
	client *memledger.Client,
	params lottery.Params,
	durations domain.StageDurations,
	stage time.Duration,
	store *artifacts.Store,
	dutyClassifier *classifier.DutyClassifier,
	collector *metrics.Collector,
	faults services.FaultInjection,
) (*services.Orchestrator, error) {
	log = log.With().Str("verifier", client.Self().Hex()).Logger()
	resolver, err := services.NewAssignmentResolver(log, params, collector)
	if err != nil {
		return nil, err
	}
	poll := stage / 10
	waiter := services.NewStageWaiter(log, client, client, services.WaiterConfig{
		Durations:        durations,
		PollInterval:     poll,
		MaxPollInterval:  stage / 2,
		DriveTransitions: true,
	}, collector)
	coordinator := services.NewCommitRevealCoordinator(log, client, store, dutyClassifier, secretstore.NewMemoryStore(), collector, faults, 4)
	detector := services.NewMisbehaviorDetector(log, client, resolver, collector)
	return services.NewOrchestrator(log, client, waiter, resolver, coordinator, detector, collector, true), nil
}

// writeSubjectReports registers every subject and writes its duty report: compliant
// subjects proposed and attested, the others missed their proposal.
func writeSubjectReports(ledger *memledger.Ledger, subjects []simSubject, dir string) (map[common.Address]string, error) {
	paths := make(map[common.Address]string, len(subjects))
	for i, s := range subjects {
		if !common.IsHexAddress(s.Address) {
			return nil, fmt.Errorf("invalid subject address %q", s.Address)
		}
		id := common.HexToAddress(s.Address)
		ledger.RegisterSubject(common.HexToAddress(s.Pool), id)

		data, err := classifier.EncodeReport(syntheticReport(domain.ValidatorIndex(i+1), s.Compliant))
		if err != nil {
			return nil, err
		}
		name := fmt.Sprintf("%s.cbor", id.Hex())
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
			return nil, err
		}
		paths[id] = name
	}
	return paths, nil
}

func syntheticReport(validator domain.ValidatorIndex, compliant bool) *domain.DutyReport {
	start, _ := domain.EpochSlots(1)
	r := &domain.DutyReport{
		Validator:      validator,
		Epoch:          1,
		ProposerDuties: []domain.ProposerDuty{{ValidatorIndex: validator, Slot: start + 8}},
		AttesterDuties: []domain.AttesterDuty{{ValidatorIndex: validator, Slot: start + 1}},
		Committees:     domain.EpochCommittees{start + 1: {0: {validator}}},
		Attestations: []domain.Attestation{
			{IncludedSlot: start + 2, DataSlot: start + 1, CommitteeBits: []byte{0b1}, AggregationBits: []byte{0b1}},
		},
	}
	if compliant {
		r.ProposedSlots = []domain.Slot{start + 8}
	}
	return r
}

// uploadEachRound plays the subjects: each time a round opens it uploads fresh activity.
func uploadEachRound(ctx context.Context, ledger *memledger.Ledger, subjects []simSubject, paths map[common.Address]string, done <-chan struct{}) {
	uploaded := int64(-1)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
		}
		cur := ledger.Round()
		if cur.Stage != domain.AwaitingSubjectInput || int64(cur.Index) == uploaded {
			continue
		}
		for _, s := range subjects {
			id := common.HexToAddress(s.Address)
			sig := crypto.Keccak256Hash(uint256.NewInt(uint64(cur.Index)).PaddedBytes(32), id.Bytes())
			if err := ledger.UploadActivity(id, sig, paths[id]); err != nil {
				logger.Warn("Could not upload activity for %s: %v", id.Hex(), err)
			}
		}
		uploaded = int64(cur.Index)
	}
}

func printClaims(claims []memledger.Claim) {
	sort.Slice(claims, func(i, j int) bool {
		if claims[i].Round != claims[j].Round {
			return claims[i].Round < claims[j].Round
		}
		return claims[i].Evidence.String() < claims[j].Evidence.String()
	})
	if len(claims) == 0 {
		fmt.Println("no misbehavior claimed")
		return
	}
	for _, c := range claims {
		fmt.Printf("round %d: %s claimed by %s\n", c.Round, c.Evidence, c.Claimant.Hex())
	}
}
