package main

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"

	"github.com/Marketen/verifier-node/internal/application/domain"
	"github.com/Marketen/verifier-node/internal/application/lottery"
)

var (
	flagSeed      string
	flagCandidate string
	flagIndex     uint64
	flagStake     string
	flagStakeUnit string
	flagThreshold string
)

var verifyTicketCmd = &cobra.Command{
	Use:   "verify-ticket",
	Short: "Re-derive a claimed lottery ticket from public inputs",
	RunE:  runVerifyTicket,
}

func init() {
	verifyTicketCmd.Flags().StringVar(&flagSeed, "seed", "", "round seed (32 bytes hex)")
	_ = verifyTicketCmd.MarkFlagRequired("seed")
	verifyTicketCmd.Flags().StringVar(&flagCandidate, "candidate", "", "candidate address")
	_ = verifyTicketCmd.MarkFlagRequired("candidate")
	verifyTicketCmd.Flags().Uint64Var(&flagIndex, "index", 0, "claimed ticket index")
	verifyTicketCmd.Flags().StringVar(&flagStake, "stake", "", "candidate's bonded stake (decimal)")
	_ = verifyTicketCmd.MarkFlagRequired("stake")
	verifyTicketCmd.Flags().StringVar(&flagStakeUnit, "stake-unit", "1", "stake per ticket (decimal)")
	verifyTicketCmd.Flags().StringVar(&flagThreshold, "threshold", "", "selection threshold (decimal or 0x hex)")
	_ = verifyTicketCmd.MarkFlagRequired("threshold")
}

func runVerifyTicket(cmd *cobra.Command, _ []string) error {
	seedBytes, err := hexutil.Decode(flagSeed)
	if err != nil || len(seedBytes) != common.HashLength {
		return fmt.Errorf("invalid seed %q: need %d bytes of 0x-prefixed hex", flagSeed, common.HashLength)
	}
	if !common.IsHexAddress(flagCandidate) {
		return fmt.Errorf("invalid candidate address %q", flagCandidate)
	}
	stake, err := uint256.FromDecimal(strings.TrimSpace(flagStake))
	if err != nil {
		return fmt.Errorf("invalid stake %q: %w", flagStake, err)
	}
	unit, err := uint256.FromDecimal(strings.TrimSpace(flagStakeUnit))
	if err != nil || unit.IsZero() {
		return fmt.Errorf("invalid stake unit %q", flagStakeUnit)
	}
	threshold, err := lottery.ParseThreshold(flagThreshold)
	if err != nil {
		return err
	}

	seed := common.BytesToHash(seedBytes)
	candidate := common.HexToAddress(flagCandidate)
	budget := lottery.TicketBudget(stake, unit)
	score, selected := lottery.Verify(seed, candidate, domain.TicketIndex(flagIndex), budget, threshold)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "candidate: %s\n", candidate.Hex())
	fmt.Fprintf(out, "budget:    %d tickets\n", budget)
	fmt.Fprintf(out, "score:     %s\n", score.Hex())
	fmt.Fprintf(out, "selected:  %t\n", selected)
	if flagIndex >= budget {
		fmt.Fprintf(out, "index %d is outside the budget\n", flagIndex)
	}
	return nil
}
