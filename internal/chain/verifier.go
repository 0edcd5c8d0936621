// Package chain implements deposit verification against the external ledger.
// The chain is read-only from this service's perspective: transactions are
// looked up by signature and checked against the expected transfer, never
// submitted.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/wagerarena/stakelobby/internal/domain"
)

// Backend is the subset of ethclient.Client the verifier needs. Narrowing
// the dependency keeps the verifier testable without an RPC endpoint.
type Backend interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Options configures a Verifier.
type Options struct {
	// EscrowAddress is the platform-controlled account that must be the
	// destination of every verified deposit.
	EscrowAddress string

	// ChainID selects the transaction signer used to recover the payer.
	ChainID int64

	// Decimals is the shift from display units to the ledger's minor unit.
	Decimals int32

	// MaxRetries and RetryDelay bound the propagation-delay poll loop.
	MaxRetries int
	RetryDelay time.Duration
}

// Verifier checks deposit proofs against the ledger. A just-submitted
// transaction may not be visible yet, so lookups retry a bounded number of
// times before the proof is rejected as not found.
type Verifier struct {
	client     Backend
	escrow     common.Address
	signer     types.Signer
	decimals   int32
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

// Dial connects to the ledger RPC endpoint and returns a Verifier over it.
func Dial(ctx context.Context, rpcURL string, opts Options, logger *slog.Logger) (*Verifier, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	return NewVerifier(client, opts, logger), nil
}

// NewVerifier creates a Verifier over an existing backend.
func NewVerifier(client Backend, opts Options, logger *slog.Logger) *Verifier {
	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = 5
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	return &Verifier{
		client:     client,
		escrow:     common.HexToAddress(opts.EscrowAddress),
		signer:     types.LatestSignerForChainID(big.NewInt(opts.ChainID)),
		decimals:   opts.Decimals,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		logger:     logger.With(slog.String("component", "chain_verifier")),
	}
}

// Ping checks that the ledger RPC endpoint is reachable.
func (v *Verifier) Ping(ctx context.Context) error {
	if _, err := v.client.BlockNumber(ctx); err != nil {
		return fmt.Errorf("chain: ping: %w", err)
	}
	return nil
}

// VerifyDeposit checks that the transaction named by proof.Signature is a
// successful transfer of exactly expectedAmount (display units) from the
// claimed payer to the escrow address. Every rejection wraps
// domain.ErrVerificationFailed; callers treat those as a rejected deposit,
// not a retryable local error.
func (v *Verifier) VerifyDeposit(ctx context.Context, proof domain.DepositProof, expectedAmount decimal.Decimal) (domain.VerifiedDeposit, error) {
	if !isTxHash(proof.Signature) {
		return domain.VerifiedDeposit{}, fmt.Errorf("chain: malformed transaction signature %q: %w", proof.Signature, domain.ErrVerificationFailed)
	}
	if !common.IsHexAddress(proof.PayerAddress) {
		return domain.VerifiedDeposit{}, fmt.Errorf("chain: malformed payer address %q: %w", proof.PayerAddress, domain.ErrVerificationFailed)
	}

	hash := common.HexToHash(proof.Signature)

	tx, err := v.awaitTransaction(ctx, hash)
	if err != nil {
		return domain.VerifiedDeposit{}, err
	}

	receipt, err := v.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return domain.VerifiedDeposit{}, fmt.Errorf("chain: receipt for %s not available: %w", proof.Signature, domain.ErrVerificationFailed)
		}
		return domain.VerifiedDeposit{}, fmt.Errorf("chain: receipt for %s: %w", proof.Signature, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return domain.VerifiedDeposit{}, fmt.Errorf("chain: transaction %s execution failed: %w", proof.Signature, domain.ErrVerificationFailed)
	}

	// A contract creation has no destination; a transfer to any account
	// other than the escrow address is not a deposit.
	to := tx.To()
	if to == nil {
		return domain.VerifiedDeposit{}, fmt.Errorf("chain: transaction %s carries no transfer instruction: %w", proof.Signature, domain.ErrVerificationFailed)
	}
	if *to != v.escrow {
		return domain.VerifiedDeposit{}, fmt.Errorf("chain: transaction %s destination %s is not the escrow address: %w", proof.Signature, to.Hex(), domain.ErrVerificationFailed)
	}

	from, err := types.Sender(v.signer, tx)
	if err != nil {
		return domain.VerifiedDeposit{}, fmt.Errorf("chain: recover sender of %s: %w", proof.Signature, domain.ErrVerificationFailed)
	}
	if from != common.HexToAddress(proof.PayerAddress) {
		return domain.VerifiedDeposit{}, fmt.Errorf("chain: transaction %s payer %s does not match claimed %s: %w", proof.Signature, from.Hex(), proof.PayerAddress, domain.ErrVerificationFailed)
	}

	// Exact integer equality in minor units; no tolerance.
	expected, err := v.toMinorUnits(expectedAmount)
	if err != nil {
		return domain.VerifiedDeposit{}, err
	}
	if tx.Value().Cmp(expected) != 0 {
		return domain.VerifiedDeposit{}, fmt.Errorf("chain: transaction %s amount %s does not match expected %s minor units: %w", proof.Signature, tx.Value(), expected, domain.ErrVerificationFailed)
	}

	v.logger.InfoContext(ctx, "deposit verified",
		slog.String("signature", proof.Signature),
		slog.String("payer", from.Hex()),
		slog.String("amount", expectedAmount.String()),
	)

	return domain.VerifiedDeposit{
		Signature:    proof.Signature,
		PayerAddress: from.Hex(),
		Amount:       expectedAmount,
	}, nil
}

// awaitTransaction polls for the transaction until it is found and mined,
// giving up after maxRetries attempts spaced retryDelay apart.
func (v *Verifier) awaitTransaction(ctx context.Context, hash common.Hash) (*types.Transaction, error) {
	for attempt := 1; attempt <= v.maxRetries; attempt++ {
		tx, pending, err := v.client.TransactionByHash(ctx, hash)
		switch {
		case err == nil && !pending:
			return tx, nil
		case err == nil && pending:
			// Visible but not yet mined; wait for a receipt.
		case errors.Is(err, ethereum.NotFound):
			// Propagation delay; try again.
		default:
			return nil, fmt.Errorf("chain: look up transaction %s: %w", hash.Hex(), err)
		}

		if attempt == v.maxRetries {
			break
		}
		v.logger.DebugContext(ctx, "transaction not yet available",
			slog.String("hash", hash.Hex()),
			slog.Int("attempt", attempt),
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("chain: wait for transaction %s: %w", hash.Hex(), ctx.Err())
		case <-time.After(v.retryDelay):
		}
	}
	return nil, fmt.Errorf("chain: transaction %s not found after %d attempts: %w", hash.Hex(), v.maxRetries, domain.ErrVerificationFailed)
}

// toMinorUnits converts a display-unit amount to the ledger's minor unit.
// Amounts with more precision than the ledger can represent are rejected.
func (v *Verifier) toMinorUnits(amount decimal.Decimal) (*big.Int, error) {
	minor := amount.Shift(v.decimals)
	if !minor.IsInteger() {
		return nil, fmt.Errorf("chain: amount %s is not representable in minor units: %w", amount, domain.ErrVerificationFailed)
	}
	return minor.BigInt(), nil
}

// isTxHash reports whether s looks like a 32-byte hex transaction hash.
func isTxHash(s string) bool {
	if !strings.HasPrefix(s, "0x") || len(s) != 66 {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// Compile-time interface checks.
var (
	_ domain.DepositVerifier = (*Verifier)(nil)
	_ Backend                = (*ethclient.Client)(nil)
)
