package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Marketen/verifier-node/internal/adapters"
	"github.com/Marketen/verifier-node/internal/adapters/classifier"
	"github.com/Marketen/verifier-node/internal/application/domain"
	"github.com/Marketen/verifier-node/internal/application/services"
	"github.com/Marketen/verifier-node/internal/logger"
)

var (
	flagBeaconURL      string
	flagPubkey         string
	flagValidatorIndex int64
	flagEpoch          uint64
	flagOut            string
	flagBeaconTimeout  time.Duration
	flagMaxMissedAtt   int
	flagMaxMissedProp  int
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Build a validator's duty report from a beacon node and write it as an activity artifact",
	RunE:  runReport,
}

func init() {
	reportCmd.Flags().StringVar(&flagBeaconURL, "beacon-url", "", "beacon node HTTP endpoint")
	_ = reportCmd.MarkFlagRequired("beacon-url")
	reportCmd.Flags().StringVar(&flagPubkey, "pubkey", "", "validator public key")
	reportCmd.Flags().Int64Var(&flagValidatorIndex, "validator-index", -1, "validator index (instead of --pubkey)")
	reportCmd.Flags().Uint64Var(&flagEpoch, "epoch", 0, "epoch to report (0: latest finalized)")
	reportCmd.Flags().StringVar(&flagOut, "out", "", "artifact output file")
	_ = reportCmd.MarkFlagRequired("out")
	reportCmd.Flags().DurationVar(&flagBeaconTimeout, "beacon-timeout", 30*time.Second, "beacon request timeout")
	reportCmd.Flags().IntVar(&flagMaxMissedAtt, "max-missed-attestations", 0, "tolerated missed attestations")
	reportCmd.Flags().IntVar(&flagMaxMissedProp, "max-missed-proposals", 0, "tolerated missed proposals")
}

func runReport(cmd *cobra.Command, _ []string) error {
	if (flagPubkey == "") == (flagValidatorIndex < 0) {
		return fmt.Errorf("exactly one of --pubkey and --validator-index is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	beacon, err := adapters.NewBeaconHTTPAdapter(ctx, flagBeaconURL, flagBeaconTimeout)
	if err != nil {
		return fmt.Errorf("failed to create beacon HTTP adapter: %w", err)
	}
	log := logger.Logger()
	reporter := services.NewDutyReporter(log, beacon)

	validator := domain.ValidatorIndex(flagValidatorIndex)
	if flagPubkey != "" {
		if validator, err = reporter.ResolveValidator(ctx, flagPubkey); err != nil {
			return err
		}
	}
	report, err := reporter.Build(ctx, validator, domain.Epoch(flagEpoch))
	if err != nil {
		return err
	}
	data, err := classifier.EncodeReport(report)
	if err != nil {
		return fmt.Errorf("could not encode duty report: %w", err)
	}
	if err := os.WriteFile(flagOut, data, 0o644); err != nil {
		return err
	}

	compliant, err := classifier.NewDutyClassifier(log, flagMaxMissedAtt, flagMaxMissedProp).Classify(ctx, data)
	if err != nil {
		return err
	}
	v := report.Evaluate()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "validator %d, epoch %d: proposed %d (missed %d), attested %d (missed %d)\n",
		report.Validator, report.Epoch, v.Proposed, v.MissedProposals, v.Attested, v.MissedAttestations)
	fmt.Fprintf(out, "compliant: %t\n", compliant)
	fmt.Fprintf(out, "wrote %d bytes to %s\n", len(data), flagOut)
	return nil
}
