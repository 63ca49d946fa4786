package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/Marketen/verifier-node/internal/application/domain"
	"github.com/Marketen/verifier-node/internal/application/lottery"
)

// Config holds runtime configuration for the verifier node.
type Config struct {
	LedgerRPCURL    string
	ContractAddress common.Address
	PrivateKeyHex   string
	ChainID         *big.Int // nil: ask the node

	// BeaconNodeURL, when set, makes the beacon chain the clock source instead of the
	// ledger's latest block.
	BeaconNodeURL string
	BeaconTimeout time.Duration

	Lottery          lottery.Params
	Stages           domain.StageDurations
	PollInterval     time.Duration
	MaxPollInterval  time.Duration
	Concurrency      int
	DriveTransitions bool

	WithholdReveals bool
	InvertAnswers   bool
	InvertSubjects  []common.Address

	SecretStoreDir string
	MetricsAddr    string

	ArtifactMaxSize  int64
	ArtifactAttempts uint64
	ArtifactTimeout  time.Duration
	ArtifactFileRoot string // unset: no local artifacts
	EnableS3         bool
	EnableGCS        bool

	MaxMissedAttestations int
	MaxMissedProposals    int
}

// source resolves a setting from the environment first and the optional TOML file second.
// File keys are the lower-cased variable names.
type source struct {
	file map[string]interface{}
}

func newSource() (*source, error) {
	s := &source{file: map[string]interface{}{}}
	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		return s, nil
	}
	if _, err := toml.DecodeFile(path, &s.file); err != nil {
		return nil, fmt.Errorf("could not read CONFIG_FILE %s: %w", path, err)
	}
	return s, nil
}

func (s *source) get(name string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	switch v := s.file[strings.ToLower(name)].(type) {
	case nil:
		return ""
	case []interface{}:
		parts := make([]string, len(v))
		for i, p := range v {
			parts[i] = fmt.Sprint(p)
		}
		return strings.Join(parts, ",")
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func (s *source) duration(name string, def time.Duration) (time.Duration, error) {
	raw := s.get(name)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return d, nil
}

func (s *source) integer(name string, def int64) (int64, error) {
	raw := s.get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return n, nil
}

func (s *source) boolean(name string) (bool, error) {
	raw := s.get(name)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return b, nil
}

func (s *source) address(name string) (common.Address, error) {
	raw := s.get(name)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return common.HexToAddress(raw), nil
}

// Load reads configuration from environment variables, falling back to CONFIG_FILE.
func Load() (*Config, error) {
	s, err := newSource()
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		LedgerRPCURL:     s.get("LEDGER_RPC_URL"),
		PrivateKeyHex:    s.get("PRIVATE_KEY"),
		BeaconNodeURL:    s.get("BEACON_NODE_URL"),
		MetricsAddr:      s.get("METRICS_ADDR"),
		ArtifactFileRoot: s.get("ARTIFACT_FILE_ROOT"),
	}
	if cfg.LedgerRPCURL == "" {
		return nil, fmt.Errorf("LEDGER_RPC_URL is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("PRIVATE_KEY is required")
	}
	if cfg.ContractAddress, err = s.address("CONTRACT_ADDRESS"); err != nil {
		return nil, err
	}
	if raw := s.get("CHAIN_ID"); raw != "" {
		id, ok := new(big.Int).SetString(raw, 10)
		if !ok || id.Sign() <= 0 {
			return nil, fmt.Errorf("invalid CHAIN_ID: %q", raw)
		}
		cfg.ChainID = id
	}
	if cfg.BeaconTimeout, err = s.duration("BEACON_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	if cfg.Lottery, err = loadLottery(s); err != nil {
		return nil, err
	}
	if cfg.Stages, err = loadStages(s); err != nil {
		return nil, err
	}

	if cfg.PollInterval, err = s.duration("POLL_INTERVAL", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxPollInterval, err = s.duration("MAX_POLL_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	concurrency, err := s.integer("SUBMIT_CONCURRENCY", 8)
	if err != nil {
		return nil, err
	}
	if concurrency == 0 {
		return nil, fmt.Errorf("SUBMIT_CONCURRENCY must be positive")
	}
	cfg.Concurrency = int(concurrency)
	if cfg.DriveTransitions, err = s.boolean("DRIVE_TRANSITIONS"); err != nil {
		return nil, err
	}

	if cfg.WithholdReveals, err = s.boolean("FAULT_WITHHOLD_REVEALS"); err != nil {
		return nil, err
	}
	if cfg.InvertAnswers, err = s.boolean("FAULT_INVERT_ANSWERS"); err != nil {
		return nil, err
	}
	if cfg.InvertSubjects, err = parseAddresses("FAULT_INVERT_SUBJECTS", s.get("FAULT_INVERT_SUBJECTS")); err != nil {
		return nil, err
	}

	cfg.SecretStoreDir = s.get("SECRET_STORE_DIR")
	if cfg.SecretStoreDir == "" {
		cfg.SecretStoreDir = "./data"
	}

	maxSize, err := s.integer("ARTIFACT_MAX_BYTES", 16<<20)
	if err != nil {
		return nil, err
	}
	cfg.ArtifactMaxSize = maxSize
	attempts, err := s.integer("ARTIFACT_ATTEMPTS", 3)
	if err != nil {
		return nil, err
	}
	cfg.ArtifactAttempts = uint64(attempts)
	if cfg.ArtifactTimeout, err = s.duration("ARTIFACT_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.EnableS3, err = s.boolean("ARTIFACT_S3"); err != nil {
		return nil, err
	}
	if cfg.EnableGCS, err = s.boolean("ARTIFACT_GCS"); err != nil {
		return nil, err
	}

	missedAtt, err := s.integer("MAX_MISSED_ATTESTATIONS", 0)
	if err != nil {
		return nil, err
	}
	missedProp, err := s.integer("MAX_MISSED_PROPOSALS", 0)
	if err != nil {
		return nil, err
	}
	cfg.MaxMissedAttestations, cfg.MaxMissedProposals = int(missedAtt), int(missedProp)

	return cfg, nil
}

func loadLottery(s *source) (lottery.Params, error) {
	raw := s.get("SELECTION_THRESHOLD")
	if raw == "" {
		return lottery.Params{}, fmt.Errorf("SELECTION_THRESHOLD is required")
	}
	threshold, err := lottery.ParseThreshold(raw)
	if err != nil {
		return lottery.Params{}, err
	}
	// No default: a unit of 1 against wei stakes would mean scanning 10^18 tickets.
	rawUnit := s.get("STAKE_UNIT")
	if rawUnit == "" {
		return lottery.Params{}, fmt.Errorf("STAKE_UNIT is required")
	}
	unit, err := uint256.FromDecimal(rawUnit)
	if err != nil || unit.IsZero() {
		return lottery.Params{}, fmt.Errorf("invalid STAKE_UNIT: %q", rawUnit)
	}
	committee, err := s.integer("DISSENT_COMMITTEE_SIZE", 5)
	if err != nil {
		return lottery.Params{}, err
	}
	maxTickets, err := s.integer("MAX_TICKETS", lottery.DefaultMaxTickets)
	if err != nil {
		return lottery.Params{}, err
	}
	if maxTickets <= 0 {
		return lottery.Params{}, fmt.Errorf("MAX_TICKETS must be positive")
	}
	p := lottery.Params{
		Threshold:     threshold,
		StakeUnit:     unit,
		CommitteeSize: int(committee),
		MaxTickets:    uint64(maxTickets),
	}
	return p, p.Validate()
}

func loadStages(s *source) (domain.StageDurations, error) {
	var d domain.StageDurations
	fields := []struct {
		name string
		dst  *time.Duration
	}{
		{"STAGE_COMMIT", &d.Commit},
		{"STAGE_REVEAL", &d.Reveal},
		{"STAGE_DISSENT_WINDOW", &d.DissentWindow},
		{"STAGE_DISSENT_COMMIT", &d.DissentCommit},
		{"STAGE_DISSENT_REVEAL", &d.DissentReveal},
		{"STAGE_SLASHING", &d.Slashing},
	}
	for _, f := range fields {
		v, err := s.duration(f.name, 0)
		if err != nil {
			return d, err
		}
		if v == 0 {
			return d, fmt.Errorf("%s is required", f.name)
		}
		*f.dst = v
	}
	return d, d.Validate()
}

func parseAddresses(name, raw string) ([]common.Address, error) {
	if raw == "" {
		return nil, nil
	}
	var out []common.Address
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !common.IsHexAddress(p) {
			return nil, fmt.Errorf("invalid address %q in %s", p, name)
		}
		out = append(out, common.HexToAddress(p))
	}
	return out, nil
}
