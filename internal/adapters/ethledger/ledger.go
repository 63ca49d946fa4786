// Package ethledger talks to the verifier registry contract over JSON-RPC.
package ethledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/Marketen/verifier-node/internal/application/domain"
)

const (
	defaultAttempts       = 5
	defaultBackoff        = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
	defaultReceiptTimeout = 2 * time.Minute
)

// Backend is the part of an Ethereum client the ledger needs: contract calls, transaction
// submission and receipts.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Config selects the contract and tunes retries.
type Config struct {
	Contract common.Address
	// ChainID signs transactions; nil asks the node.
	ChainID        *big.Int
	Attempts       uint64
	Backoff        time.Duration
	MaxBackoff     time.Duration
	ReceiptTimeout time.Duration
}

// Ledger implements ports.Ledger and ports.ChainClock against the registry contract.
type Ledger struct {
	log      zerolog.Logger
	backend  Backend
	contract *bind.BoundContract
	auth     *bind.TransactOpts
	cfg      Config
	closer   func()

	// sendMu serializes nonce assignment for concurrent writes from the same account.
	sendMu sync.Mutex
}

// Dial connects to rpcURL and signs with the hex-encoded private key.
func Dial(ctx context.Context, log zerolog.Logger, rpcURL, keyHex string, cfg Config) (*Ledger, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("could not dial ledger RPC %s: %w", rpcURL, err)
	}
	if cfg.ChainID == nil {
		id, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("could not read chain id: %w", err)
		}
		cfg.ChainID = id
	}
	l, err := New(log, client, key, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	l.closer = client.Close
	return l, nil
}

// New binds the registry at cfg.Contract on backend.
func New(log zerolog.Logger, backend Backend, key *ecdsa.PrivateKey, cfg Config) (*Ledger, error) {
	if cfg.ChainID == nil {
		return nil, errors.New("chain id is required")
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = defaultAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = defaultReceiptTimeout
	}
	parsed, err := abi.JSON(strings.NewReader(RegistryABI))
	if err != nil {
		return nil, fmt.Errorf("could not parse registry ABI: %w", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, cfg.ChainID)
	if err != nil {
		return nil, fmt.Errorf("could not create transactor: %w", err)
	}
	return &Ledger{
		log:      log.With().Str("module", "ethledger").Str("contract", cfg.Contract.Hex()).Logger(),
		backend:  backend,
		contract: bind.NewBoundContract(cfg.Contract, parsed, backend, backend, backend),
		auth:     auth,
		cfg:      cfg,
	}, nil
}

// Close releases the RPC connection opened by Dial.
func (l *Ledger) Close() {
	if l.closer != nil {
		l.closer()
	}
}

func (l *Ledger) Self() common.Address { return l.auth.From }

// Now returns the timestamp of the latest block, the time the contract checks durations against.
func (l *Ledger) Now(ctx context.Context) (time.Time, error) {
	head, err := l.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("could not read latest header: %w", err)
	}
	return time.Unix(int64(head.Time), 0), nil
}

func (l *Ledger) SubmitCommitment(ctx context.Context, subject common.Address, commitment common.Hash, ticket domain.TicketIndex, phase domain.Phase) error {
	return l.transact(ctx, "submitCommitment", subject, [32]byte(commitment), new(big.Int).SetUint64(uint64(ticket)), uint8(phase))
}

func (l *Ledger) SubmitReveal(ctx context.Context, subject common.Address, bit bool, nonce *uint256.Int, phase domain.Phase) error {
	if nonce == nil {
		return fmt.Errorf("%w: reveal without nonce", domain.ErrProtocolViolation)
	}
	return l.transact(ctx, "submitReveal", subject, bit, nonce.ToBig(), uint8(phase))
}

func (l *Ledger) RaiseDissent(ctx context.Context, subject common.Address) error {
	return l.transact(ctx, "raiseDissent", subject)
}

func (l *Ledger) RequestStageTransition(ctx context.Context) error {
	return l.transact(ctx, "requestStageTransition")
}

func (l *Ledger) SubmitSlashEvidence(ctx context.Context, evidence domain.SlashEvidence) error {
	return l.transact(ctx, "submitSlashEvidence", evidence.Verifier, evidence.Subject, uint8(evidence.Category))
}

// transact sends method and waits for its receipt. A revert, at estimation or on chain, is a
// rejection; other send failures are retried with capped exponential backoff.
func (l *Ledger) transact(ctx context.Context, method string, args ...interface{}) error {
	log := l.log.With().Str("method", method).Logger()
	return retry.Do(ctx, l.backoff(), func(ctx context.Context) error {
		tx, err := l.send(ctx, method, args...)
		if err != nil {
			if rejected := asRejection(method, err); rejected != nil {
				return rejected
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Msg("could not send transaction, retrying")
			return retry.RetryableError(err)
		}

		waitCtx, cancel := context.WithTimeout(ctx, l.cfg.ReceiptTimeout)
		defer cancel()
		receipt, err := bind.WaitMined(waitCtx, l.backend, tx)
		if err != nil {
			// The transaction may still land; resending would race it.
			return fmt.Errorf("waiting for %s receipt of %s: %w", method, tx.Hash().Hex(), err)
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			return domain.Rejected(method, fmt.Sprintf("transaction %s reverted", tx.Hash().Hex()))
		}
		log.Debug().Str("tx", tx.Hash().Hex()).Uint64("block", receipt.BlockNumber.Uint64()).Msg("transaction mined")
		return nil
	})
}

func (l *Ledger) send(ctx context.Context, method string, args ...interface{}) (*types.Transaction, error) {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	opts := *l.auth
	opts.Context = ctx
	return l.contract.Transact(&opts, method, args...)
}

// call runs a view method, retrying transport failures.
func (l *Ledger) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	var out []interface{}
	err := retry.Do(ctx, l.backoff(), func(ctx context.Context) error {
		var res []interface{}
		err := l.contract.Call(&bind.CallOpts{Context: ctx, From: l.auth.From}, &res, method, args...)
		if err != nil {
			if isRevert(err) || ctx.Err() != nil {
				return err
			}
			l.log.Debug().Err(err).Str("method", method).Msg("ledger read failed, retrying")
			return retry.RetryableError(err)
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return out, nil
}

func (l *Ledger) backoff() retry.Backoff {
	b := retry.NewExponential(l.cfg.Backoff)
	b = retry.WithCappedDuration(l.cfg.MaxBackoff, b)
	b = retry.WithJitterPercent(10, b)
	return retry.WithMaxRetries(l.cfg.Attempts-1, b)
}

// asRejection maps a contract revert to domain.ErrRejected.
func asRejection(op string, err error) error {
	if !isRevert(err) {
		return nil
	}
	return domain.Rejected(op, err.Error())
}

func isRevert(err error) bool {
	return err != nil && strings.Contains(err.Error(), "execution reverted")
}
