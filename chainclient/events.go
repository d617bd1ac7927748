package chainclient

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"contribution-oracle/logging"
)

type ChallengeCreatedEvent struct {
	Id          string
	Difficulty  uint64
	Seed        string
	ExpiresAt   uint64
	RewardBonus *big.Int
	BlockNumber uint64
}

type ChallengeSolvedEvent struct {
	Id          string
	Solver      string
	SolveTime   uint64
	BlockNumber uint64
}

// ChallengeEvents pulls ChallengeCreated and ChallengeSolved logs from the
// challenge manager over [fromBlock, toBlock]. Malformed logs are skipped.
func (c *ChainClient) ChallengeEvents(ctx context.Context, fromBlock, toBlock uint64) ([]ChallengeCreatedEvent, []ChallengeSolvedEvent, error) {
	createdId := challengeAbi.Events["ChallengeCreated"].ID
	solvedId := challengeAbi.Events["ChallengeSolved"].ID

	logs, err := c.eth.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.challengeAddress},
		Topics:    [][]common.Hash{{createdId, solvedId}},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("filtering challenge logs: %w", err)
	}

	var created []ChallengeCreatedEvent
	var solved []ChallengeSolvedEvent
	for _, entry := range logs {
		switch entry.Topics[0] {
		case createdId:
			event, err := decodeChallengeCreated(entry)
			if err != nil {
				logging.Warn("Skipping malformed ChallengeCreated log", logging.Chain,
					"block", entry.BlockNumber, "error", err)
				continue
			}
			created = append(created, *event)
		case solvedId:
			event, err := decodeChallengeSolved(entry)
			if err != nil {
				logging.Warn("Skipping malformed ChallengeSolved log", logging.Chain,
					"block", entry.BlockNumber, "error", err)
				continue
			}
			solved = append(solved, *event)
		}
	}
	return created, solved, nil
}

func decodeChallengeCreated(entry types.Log) (*ChallengeCreatedEvent, error) {
	if len(entry.Topics) < 2 {
		return nil, fmt.Errorf("missing indexed id topic")
	}
	out, err := challengeAbi.Unpack("ChallengeCreated", entry.Data)
	if err != nil {
		return nil, err
	}
	seed := out[1].([32]byte)
	return &ChallengeCreatedEvent{
		Id:          entry.Topics[1].Hex(),
		Difficulty:  out[0].(*big.Int).Uint64(),
		Seed:        common.BytesToHash(seed[:]).Hex(),
		ExpiresAt:   out[2].(*big.Int).Uint64(),
		RewardBonus: out[3].(*big.Int),
		BlockNumber: entry.BlockNumber,
	}, nil
}

func decodeChallengeSolved(entry types.Log) (*ChallengeSolvedEvent, error) {
	if len(entry.Topics) < 3 {
		return nil, fmt.Errorf("missing indexed topics")
	}
	out, err := challengeAbi.Unpack("ChallengeSolved", entry.Data)
	if err != nil {
		return nil, err
	}
	return &ChallengeSolvedEvent{
		Id:          entry.Topics[1].Hex(),
		Solver:      strings.ToLower(common.BytesToAddress(entry.Topics[2].Bytes()).Hex()),
		SolveTime:   out[0].(*big.Int).Uint64(),
		BlockNumber: entry.BlockNumber,
	}, nil
}
