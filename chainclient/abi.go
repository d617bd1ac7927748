package chainclient

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Precompile entry points exposed by the chain.
var (
	PrecompileVerifyInference = common.BytesToAddress([]byte{0x20})
	PrecompileAgentRegister   = common.BytesToAddress([]byte{0x21})
	PrecompileAgentHeartbeat  = common.BytesToAddress([]byte{0x22})
	PrecompileClaimReward     = common.BytesToAddress([]byte{0x23})
)

// RewardClaimedTopic is the log topic the claim-reward precompile emits.
var RewardClaimedTopic = crypto.Keccak256Hash([]byte("RewardClaimed(address)"))

const agentRegistryABI = `[
	{"type":"function","name":"getActiveAgents","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
	{"type":"function","name":"getAllAgents","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
	{"type":"function","name":"getAgent","stateMutability":"view","inputs":[{"name":"agent","type":"address"}],"outputs":[
		{"name":"nodeId","type":"string"},
		{"name":"metadata","type":"string"},
		{"name":"registeredAt","type":"uint256"},
		{"name":"lastHeartbeat","type":"uint256"},
		{"name":"status","type":"uint8"},
		{"name":"stake","type":"uint256"}]}
]`

const rewardPoolABI = `[
	{"type":"function","name":"getCurrentEpoch","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"reportContribution","stateMutability":"nonpayable","inputs":[
		{"name":"agent","type":"address"},
		{"name":"taskCount","type":"uint256"},
		{"name":"uptime","type":"uint256"},
		{"name":"responseScore","type":"uint256"},
		{"name":"processedTokens","type":"uint256"},
		{"name":"avgLatencyInv","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"syncRewards","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"distributeRewards","stateMutability":"nonpayable","inputs":[{"name":"epoch","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"epochDistributed","stateMutability":"view","inputs":[{"name":"epoch","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"getEpochAgents","stateMutability":"view","inputs":[{"name":"epoch","type":"uint256"}],"outputs":[{"name":"","type":"address[]"}]},
	{"type":"function","name":"getEpochContribution","stateMutability":"view","inputs":[
		{"name":"epoch","type":"uint256"},
		{"name":"agent","type":"address"}],"outputs":[
		{"name":"taskCount","type":"uint256"},
		{"name":"uptime","type":"uint256"},
		{"name":"responseScore","type":"uint256"},
		{"name":"processedTokens","type":"uint256"},
		{"name":"avgLatencyInv","type":"uint256"}]},
	{"type":"function","name":"getPendingReward","stateMutability":"view","inputs":[{"name":"agent","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const challengeManagerABI = `[
	{"type":"function","name":"getCurrentChallenge","stateMutability":"view","inputs":[],"outputs":[
		{"name":"id","type":"bytes32"},
		{"name":"difficulty","type":"uint256"},
		{"name":"seed","type":"bytes32"},
		{"name":"createdAt","type":"uint256"},
		{"name":"expiresAt","type":"uint256"},
		{"name":"solved","type":"bool"},
		{"name":"solver","type":"address"},
		{"name":"rewardBonus","type":"uint256"}]},
	{"type":"function","name":"createChallenge","stateMutability":"nonpayable","inputs":[
		{"name":"difficulty","type":"uint256"},
		{"name":"seed","type":"bytes32"},
		{"name":"duration","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"getChallengeHistory","stateMutability":"view","inputs":[
		{"name":"offset","type":"uint256"},
		{"name":"count","type":"uint256"}],"outputs":[{"name":"","type":"bytes32[]"}]},
	{"type":"event","name":"ChallengeCreated","inputs":[
		{"name":"id","type":"bytes32","indexed":true},
		{"name":"difficulty","type":"uint256","indexed":false},
		{"name":"seed","type":"bytes32","indexed":false},
		{"name":"expiresAt","type":"uint256","indexed":false},
		{"name":"rewardBonus","type":"uint256","indexed":false}]},
	{"type":"event","name":"ChallengeSolved","inputs":[
		{"name":"id","type":"bytes32","indexed":true},
		{"name":"solver","type":"address","indexed":true},
		{"name":"solveTime","type":"uint256","indexed":false}]}
]`

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

var (
	registryAbi  = mustParseABI(agentRegistryABI)
	rewardAbi    = mustParseABI(rewardPoolABI)
	challengeAbi = mustParseABI(challengeManagerABI)
)
