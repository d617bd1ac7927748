package watcher

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"contribution-oracle/chainclient"
	"contribution-oracle/internal/store"
	"contribution-oracle/internal/util"
	"contribution-oracle/logging"
)

type Chain interface {
	SubscribeNewHeads(ctx context.Context, heads chan<- *types.Header) (ethereum.Subscription, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainId() *big.Int
}

type AgentStore interface {
	GetAgent(ctx context.Context, address string) (*store.Agent, error)
	UpsertAgent(ctx context.Context, agent *store.Agent) error
	TouchAgentHeartbeat(ctx context.Context, address string, heartbeat int64) error
}

// Watcher follows the block stream and reconciles successful precompile
// calls into the local agent registry. Decoding is defensive throughout: a
// malformed transaction is logged and skipped, never fatal.
type Watcher struct {
	chain Chain
	store AgentStore
	now   func() time.Time
}

func NewWatcher(chain Chain, agents AgentStore) *Watcher {
	return &Watcher{chain: chain, store: agents, now: time.Now}
}

// Run subscribes to new heads and processes blocks until ctx is cancelled,
// reconnecting with exponential back-off when the stream drops.
func (w *Watcher) Run(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}
		err := w.streamOnce(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		wait := policy.NextBackOff()
		logging.Warn("Block stream lost, reconnecting", logging.Watcher,
			"error", err, "backoff", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (w *Watcher) streamOnce(ctx context.Context) error {
	heads := make(chan *types.Header, 16)
	sub, err := w.chain.SubscribeNewHeads(ctx, heads)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	logging.Info("Subscribed to block stream", logging.Watcher)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case head := <-heads:
			w.processBlock(ctx, head.Number)
		}
	}
}

func (w *Watcher) processBlock(ctx context.Context, number *big.Int) {
	block, err := w.chain.BlockByNumber(ctx, number)
	if err != nil {
		logging.Warn("Block fetch failed", logging.Watcher, "block", number, "error", err)
		return
	}
	signer := types.LatestSignerForChainID(w.chain.ChainId())

	for _, tx := range block.Transactions() {
		to := tx.To()
		if to == nil || !isPrecompile(*to) {
			continue
		}
		receipt, err := w.chain.TransactionReceipt(ctx, tx.Hash())
		if err != nil {
			logging.Warn("Receipt fetch failed", logging.Watcher, "tx", tx.Hash().Hex(), "error", err)
			continue
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			continue
		}
		sender, err := types.Sender(signer, tx)
		if err != nil {
			logging.Warn("Sender recovery failed", logging.Watcher, "tx", tx.Hash().Hex(), "error", err)
			continue
		}
		w.processPrecompileCall(ctx, *to, util.CanonicalAddress(sender.Hex()), tx.Data(), receipt)
	}
}

func (w *Watcher) processPrecompileCall(ctx context.Context, to common.Address, sender string, input []byte, receipt *types.Receipt) {
	switch to {
	case chainclient.PrecompileAgentRegister:
		w.handleRegister(ctx, sender, input)
	case chainclient.PrecompileAgentHeartbeat:
		w.handleHeartbeat(ctx, sender, input)
	case chainclient.PrecompileVerifyInference:
		w.handleVerifyInference(ctx, input)
	case chainclient.PrecompileClaimReward:
		w.handleClaimReward(receipt)
	}
}

func (w *Watcher) handleRegister(ctx context.Context, sender string, input []byte) {
	call, err := decodeRegisterCall(input)
	if err != nil {
		logging.Warn("Skipping malformed register call", logging.Watcher, "sender", sender, "error", err)
		return
	}
	// The registered agent is the declared beneficiary when present,
	// otherwise the transaction sender.
	target := call.Beneficiary
	if target == "" {
		target = sender
	}
	now := w.now().Unix()
	agent := &store.Agent{
		Address:       target,
		RegisteredAt:  now,
		LastHeartbeat: now,
		Status:        store.AgentStatusActive,
		Stake:         "0",
		NodeId:        call.Name,
		Metadata:      call.metadataJSON(),
	}
	if existing, err := w.store.GetAgent(ctx, target); err == nil {
		agent.RegisteredAt = existing.RegisteredAt
		agent.Stake = existing.Stake
	}
	if err := w.store.UpsertAgent(ctx, agent); err != nil {
		logging.Error("Agent upsert failed", logging.Watcher, "address", target, "error", err)
		return
	}
	logging.Info("Agent registered on-chain", logging.Watcher, "address", target, "name", call.Name)
}

func (w *Watcher) handleHeartbeat(ctx context.Context, sender string, input []byte) {
	// Sponsored heartbeats carry the agent in the single data word; a
	// self-submitted heartbeat has empty input and refers to the sender.
	target := sender
	if len(input) >= word {
		if decoded, err := decodeAddressWord(input); err == nil && decoded != util.CanonicalAddress("0x0") {
			target = decoded
		}
	}
	now := w.now().Unix()
	if _, err := w.store.GetAgent(ctx, target); errors.Is(err, store.ErrNotFound) {
		agent := &store.Agent{
			Address:       target,
			RegisteredAt:  now,
			LastHeartbeat: now,
			Status:        store.AgentStatusActive,
			Stake:         "0",
		}
		if err := w.store.UpsertAgent(ctx, agent); err != nil {
			logging.Error("Heartbeat auto-register failed", logging.Watcher, "address", target, "error", err)
		}
		return
	}
	if err := w.store.TouchAgentHeartbeat(ctx, target, now); err != nil {
		logging.Warn("Heartbeat update failed", logging.Watcher, "address", target, "error", err)
	}
}

func (w *Watcher) handleVerifyInference(ctx context.Context, input []byte) {
	target, err := decodeAddressWord(input)
	if err != nil {
		logging.Warn("Skipping malformed verify-inference call", logging.Watcher, "error", err)
		return
	}
	if _, err := w.store.GetAgent(ctx, target); errors.Is(err, store.ErrNotFound) {
		now := w.now().Unix()
		agent := &store.Agent{
			Address:       target,
			RegisteredAt:  now,
			LastHeartbeat: now,
			Status:        store.AgentStatusActive,
			Stake:         "0",
		}
		if err := w.store.UpsertAgent(ctx, agent); err != nil {
			logging.Error("Verify-inference agent upsert failed", logging.Watcher, "address", target, "error", err)
		}
	}
}

func (w *Watcher) handleClaimReward(receipt *types.Receipt) {
	for _, entry := range receipt.Logs {
		if len(entry.Topics) > 0 && entry.Topics[0] == chainclient.RewardClaimedTopic {
			claimer := ""
			if len(entry.Topics) > 1 {
				claimer = util.CanonicalAddress(common.BytesToAddress(entry.Topics[1].Bytes()).Hex())
			} else if len(entry.Data) >= word {
				claimer, _ = decodeAddressWord(entry.Data)
			}
			logging.Info("Reward claimed", logging.Watcher, "address", claimer)
		}
	}
}

func isPrecompile(address common.Address) bool {
	switch address {
	case chainclient.PrecompileVerifyInference,
		chainclient.PrecompileAgentRegister,
		chainclient.PrecompileAgentHeartbeat,
		chainclient.PrecompileClaimReward:
		return true
	}
	return false
}
