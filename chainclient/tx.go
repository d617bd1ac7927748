package chainclient

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"contribution-oracle/logging"
)

const (
	contractGasLimit   = 500_000
	precompileGasLimit = 100_000
	inclusionPoll      = 2 * time.Second
	inclusionTimeout   = 2 * time.Minute
)

// ReportContribution submits one agent's epoch contribution and waits for
// inclusion. The contract is idempotent per (agent, epoch): last write wins,
// so a retried cycle is safe.
func (c *ChainClient) ReportContribution(ctx context.Context, report ContributionReport) error {
	data, err := rewardAbi.Pack("reportContribution",
		common.HexToAddress(report.Agent),
		new(big.Int).SetUint64(report.TaskCount),
		new(big.Int).SetUint64(report.UptimeSeconds),
		new(big.Int).SetUint64(report.ResponseScore),
		new(big.Int).SetUint64(report.ProcessedTokens),
		new(big.Int).SetUint64(report.AvgLatencyInv))
	if err != nil {
		return fmt.Errorf("packing reportContribution: %w", err)
	}
	return c.submitAndWait(ctx, c.rewardAddress, data, contractGasLimit)
}

func (c *ChainClient) SyncRewards(ctx context.Context) error {
	data, err := rewardAbi.Pack("syncRewards")
	if err != nil {
		return fmt.Errorf("packing syncRewards: %w", err)
	}
	return c.submitAndWait(ctx, c.rewardAddress, data, contractGasLimit)
}

func (c *ChainClient) DistributeRewards(ctx context.Context, epoch uint64) error {
	data, err := rewardAbi.Pack("distributeRewards", new(big.Int).SetUint64(epoch))
	if err != nil {
		return fmt.Errorf("packing distributeRewards: %w", err)
	}
	return c.submitAndWait(ctx, c.rewardAddress, data, contractGasLimit)
}

func (c *ChainClient) CreateChallenge(ctx context.Context, difficulty uint64, seed [32]byte, duration uint64) error {
	data, err := challengeAbi.Pack("createChallenge",
		new(big.Int).SetUint64(difficulty), seed, new(big.Int).SetUint64(duration))
	if err != nil {
		return fmt.Errorf("packing createChallenge: %w", err)
	}
	return c.submitAndWait(ctx, c.challengeAddress, data, contractGasLimit)
}

// SponsoredHeartbeat refreshes an agent's on-chain liveness through the
// heartbeat precompile, paid by the oracle. Agents may hold zero balance.
func (c *ChainClient) SponsoredHeartbeat(ctx context.Context, agent string) error {
	data := common.LeftPadBytes(common.HexToAddress(agent).Bytes(), 32)
	return c.submitAndWait(ctx, PrecompileAgentHeartbeat, data, precompileGasLimit)
}

func (c *ChainClient) submitAndWait(ctx context.Context, to common.Address, data []byte, gasLimit uint64) error {
	tx, err := c.submit(ctx, to, data, gasLimit)
	if err != nil {
		return err
	}
	receipt, err := c.waitMined(ctx, tx.Hash())
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("transaction %s reverted", tx.Hash().Hex())
	}
	return nil
}

func (c *ChainClient) submit(ctx context.Context, to common.Address, data []byte, gasLimit uint64) (*types.Transaction, error) {
	c.txMutex.Lock()
	defer c.txMutex.Unlock()

	if !c.nonceInit {
		nonce, err := c.eth.PendingNonceAt(ctx, c.address)
		if err != nil {
			return nil, fmt.Errorf("fetching nonce: %w", err)
		}
		c.nextNonce = nonce
		c.nonceInit = true
	}

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching gas price: %w", err)
	}

	tx := types.NewTransaction(c.nextNonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainId), c.key)
	if err != nil {
		return nil, fmt.Errorf("signing transaction: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		// A nonce clash means our local counter drifted from the node;
		// resync on the next submission.
		c.nonceInit = false
		return nil, fmt.Errorf("sending transaction: %w", err)
	}
	c.nextNonce++
	logging.Debug("Transaction submitted", logging.Chain,
		"hash", signed.Hash().Hex(), "to", to.Hex(), "nonce", signed.Nonce())
	return signed, nil
}

func (c *ChainClient) waitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	deadline, cancel := context.WithTimeout(ctx, inclusionTimeout)
	defer cancel()

	ticker := time.NewTicker(inclusionPoll)
	defer ticker.Stop()
	for {
		receipt, err := c.eth.TransactionReceipt(deadline, txHash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-deadline.Done():
			return nil, fmt.Errorf("waiting for %s: %w", txHash.Hex(), deadline.Err())
		case <-ticker.C:
		}
	}
}
