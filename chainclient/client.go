package chainclient

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"contribution-oracle/apiconfig"
	"contribution-oracle/logging"
)

// ChainClient wraps the chain node's RPC surface: typed contract reads,
// signed writes with inclusion waits, custom agent_* RPC methods, raw
// precompile transactions and the new-head stream. Consumers depend on small
// interfaces of the methods they use, not on this struct.
type ChainClient struct {
	eth   *ethclient.Client
	raw   *rpc.Client
	wsUrl string

	chainId *big.Int
	key     *ecdsa.PrivateKey
	address common.Address

	registryAddress  common.Address
	rewardAddress    common.Address
	challengeAddress common.Address

	// Nonce is tracked locally; concurrent writers serialize on txMutex so
	// two ticks never race a nonce.
	txMutex   sync.Mutex
	nextNonce uint64
	nonceInit bool
}

type AgentInfo struct {
	NodeId        string
	Metadata      string
	RegisteredAt  uint64
	LastHeartbeat uint64
	Status        uint8
	Stake         *big.Int
}

type AgentMeta struct {
	NodeId   string `json:"nodeId"`
	Metadata string `json:"metadata"`
}

type ContributionReport struct {
	Agent           string
	TaskCount       uint64
	UptimeSeconds   uint64
	ResponseScore   uint64
	ProcessedTokens uint64
	AvgLatencyInv   uint64
}

type OnChainChallenge struct {
	Id          string
	Difficulty  uint64
	Seed        string
	CreatedAt   uint64
	ExpiresAt   uint64
	Solved      bool
	Solver      string
	RewardBonus *big.Int
}

func NewChainClient(ctx context.Context, cfg *apiconfig.ChainConfig) (*ChainClient, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.OraclePrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parsing oracle private key: %w", err)
	}

	raw, err := rpc.DialContext(ctx, cfg.RpcUrl)
	if err != nil {
		return nil, fmt.Errorf("dialing chain rpc: %w", err)
	}

	client := &ChainClient{
		eth:              ethclient.NewClient(raw),
		raw:              raw,
		wsUrl:            cfg.WsUrl,
		chainId:          big.NewInt(cfg.ChainId),
		key:              key,
		address:          crypto.PubkeyToAddress(key.PublicKey),
		registryAddress:  common.HexToAddress(cfg.AgentRegistryAddress),
		rewardAddress:    common.HexToAddress(cfg.RewardPoolAddress),
		challengeAddress: common.HexToAddress(cfg.ChallengeManagerAddress),
	}
	logging.Info("Chain client initialized", logging.Chain,
		"oracle", client.address.Hex(), "chainId", cfg.ChainId)
	return client, nil
}

// NewChainClientWithRetry keeps dialing until the node answers; the chain
// node and the oracle frequently restart together.
func NewChainClientWithRetry(ctx context.Context, cfg *apiconfig.ChainConfig, attempts int, delay time.Duration) (*ChainClient, error) {
	var client *ChainClient
	var err error
	for i := 0; i < attempts; i++ {
		client, err = NewChainClient(ctx, cfg)
		if err == nil {
			if _, pingErr := client.CurrentBlock(ctx); pingErr == nil {
				return client, nil
			} else {
				err = pingErr
			}
		}
		logging.Warn("Chain node not ready, retrying", logging.Chain, "attempt", i+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("chain node unreachable after %d attempts: %w", attempts, err)
}

func (c *ChainClient) OracleAddress() string {
	return strings.ToLower(c.address.Hex())
}

func (c *ChainClient) ChainId() *big.Int {
	return new(big.Int).Set(c.chainId)
}

func (c *ChainClient) CurrentBlock(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

func (c *ChainClient) CurrentEpoch(ctx context.Context) (uint64, error) {
	out, err := c.call(ctx, rewardAbi, c.rewardAddress, "getCurrentEpoch")
	if err != nil {
		return 0, err
	}
	return out[0].(*big.Int).Uint64(), nil
}

func (c *ChainClient) Balance(ctx context.Context, address string) (*big.Int, error) {
	return c.eth.BalanceAt(ctx, common.HexToAddress(address), nil)
}

// IsAgentAccount asks the node's custom agent_ RPC namespace whether an
// address belongs to a registered agent account.
func (c *ChainClient) IsAgentAccount(ctx context.Context, address string) (bool, error) {
	var registered bool
	err := c.raw.CallContext(ctx, &registered, "agent_isAgentAccount", address)
	if err != nil {
		return false, fmt.Errorf("agent_isAgentAccount: %w", err)
	}
	return registered, nil
}

func (c *ChainClient) AgentMeta(ctx context.Context, address string) (*AgentMeta, error) {
	var meta AgentMeta
	err := c.raw.CallContext(ctx, &meta, "agent_getAgentMeta", address)
	if err != nil {
		return nil, fmt.Errorf("agent_getAgentMeta: %w", err)
	}
	return &meta, nil
}

func (c *ChainClient) ActiveAgents(ctx context.Context) ([]string, error) {
	out, err := c.call(ctx, registryAbi, c.registryAddress, "getActiveAgents")
	if err != nil {
		return nil, err
	}
	return lowercaseAddresses(out[0].([]common.Address)), nil
}

func (c *ChainClient) AllAgents(ctx context.Context) ([]string, error) {
	out, err := c.call(ctx, registryAbi, c.registryAddress, "getAllAgents")
	if err != nil {
		return nil, err
	}
	return lowercaseAddresses(out[0].([]common.Address)), nil
}

func (c *ChainClient) GetAgent(ctx context.Context, address string) (*AgentInfo, error) {
	out, err := c.call(ctx, registryAbi, c.registryAddress, "getAgent", common.HexToAddress(address))
	if err != nil {
		return nil, err
	}
	return &AgentInfo{
		NodeId:        out[0].(string),
		Metadata:      out[1].(string),
		RegisteredAt:  out[2].(*big.Int).Uint64(),
		LastHeartbeat: out[3].(*big.Int).Uint64(),
		Status:        out[4].(uint8),
		Stake:         out[5].(*big.Int),
	}, nil
}

func (c *ChainClient) EpochDistributed(ctx context.Context, epoch uint64) (bool, error) {
	out, err := c.call(ctx, rewardAbi, c.rewardAddress, "epochDistributed", new(big.Int).SetUint64(epoch))
	if err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

func (c *ChainClient) EpochAgents(ctx context.Context, epoch uint64) ([]string, error) {
	out, err := c.call(ctx, rewardAbi, c.rewardAddress, "getEpochAgents", new(big.Int).SetUint64(epoch))
	if err != nil {
		return nil, err
	}
	return lowercaseAddresses(out[0].([]common.Address)), nil
}

func (c *ChainClient) EpochContribution(ctx context.Context, epoch uint64, address string) (*ContributionReport, error) {
	out, err := c.call(ctx, rewardAbi, c.rewardAddress, "getEpochContribution",
		new(big.Int).SetUint64(epoch), common.HexToAddress(address))
	if err != nil {
		return nil, err
	}
	return &ContributionReport{
		Agent:           strings.ToLower(address),
		TaskCount:       out[0].(*big.Int).Uint64(),
		UptimeSeconds:   out[1].(*big.Int).Uint64(),
		ResponseScore:   out[2].(*big.Int).Uint64(),
		ProcessedTokens: out[3].(*big.Int).Uint64(),
		AvgLatencyInv:   out[4].(*big.Int).Uint64(),
	}, nil
}

func (c *ChainClient) PendingReward(ctx context.Context, address string) (*big.Int, error) {
	out, err := c.call(ctx, rewardAbi, c.rewardAddress, "getPendingReward", common.HexToAddress(address))
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

func (c *ChainClient) CurrentChallengeOnChain(ctx context.Context) (*OnChainChallenge, error) {
	out, err := c.call(ctx, challengeAbi, c.challengeAddress, "getCurrentChallenge")
	if err != nil {
		return nil, err
	}
	id := out[0].([32]byte)
	seed := out[2].([32]byte)
	return &OnChainChallenge{
		Id:          common.BytesToHash(id[:]).Hex(),
		Difficulty:  out[1].(*big.Int).Uint64(),
		Seed:        common.BytesToHash(seed[:]).Hex(),
		CreatedAt:   out[3].(*big.Int).Uint64(),
		ExpiresAt:   out[4].(*big.Int).Uint64(),
		Solved:      out[5].(bool),
		Solver:      strings.ToLower(out[6].(common.Address).Hex()),
		RewardBonus: out[7].(*big.Int),
	}, nil
}

func (c *ChainClient) ChallengeHistory(ctx context.Context, offset, count uint64) ([]string, error) {
	out, err := c.call(ctx, challengeAbi, c.challengeAddress, "getChallengeHistory",
		new(big.Int).SetUint64(offset), new(big.Int).SetUint64(count))
	if err != nil {
		return nil, err
	}
	ids := out[0].([][32]byte)
	hexIds := make([]string, 0, len(ids))
	for _, id := range ids {
		hexIds = append(hexIds, common.BytesToHash(id[:]).Hex())
	}
	return hexIds, nil
}

func (c *ChainClient) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	return c.eth.BlockByNumber(ctx, number)
}

func (c *ChainClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return c.eth.TransactionReceipt(ctx, txHash)
}

func (c *ChainClient) call(ctx context.Context, contractAbi abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contractAbi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("packing %s: %w", method, err)
	}
	result, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", method, err)
	}
	out, err := contractAbi.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("unpacking %s: %w", method, err)
	}
	return out, nil
}

func lowercaseAddresses(addresses []common.Address) []string {
	result := make([]string, 0, len(addresses))
	for _, address := range addresses {
		result = append(result, strings.ToLower(address.Hex()))
	}
	return result
}
