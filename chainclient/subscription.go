package chainclient

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// SubscribeNewHeads opens a fresh websocket connection and subscribes to the
// head stream. The watcher owns reconnect policy; a lost subscription
// surfaces on the returned subscription's Err channel.
func (c *ChainClient) SubscribeNewHeads(ctx context.Context, heads chan<- *types.Header) (ethereum.Subscription, error) {
	ws, err := ethclient.DialContext(ctx, c.wsUrl)
	if err != nil {
		return nil, fmt.Errorf("dialing websocket endpoint: %w", err)
	}
	sub, err := ws.SubscribeNewHead(ctx, heads)
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("subscribing to new heads: %w", err)
	}
	return &closingSubscription{Subscription: sub, client: ws}, nil
}

type closingSubscription struct {
	ethereum.Subscription
	client *ethclient.Client
}

func (s *closingSubscription) Unsubscribe() {
	s.Subscription.Unsubscribe()
	s.client.Close()
}
