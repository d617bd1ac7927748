package public

import (
	"context"
	"math/big"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"contribution-oracle/chainclient"
	"contribution-oracle/internal/ingest"
	"contribution-oracle/internal/pipeline"
	"contribution-oracle/internal/server/middleware"
	"contribution-oracle/internal/server/ws"
	"contribution-oracle/internal/store"
	"contribution-oracle/logging"
)

// StoreReader is the read-only query surface the API serves from.
type StoreReader interface {
	ListAgents(ctx context.Context) ([]*store.Agent, error)
	GetAgent(ctx context.Context, address string) (*store.Agent, error)
	ListNodes(ctx context.Context) ([]*store.AgentNode, error)
	GetNode(ctx context.Context, address string) (*store.AgentNode, error)
	UpsertNode(ctx context.Context, node *store.AgentNode) error
	ListEpochs(ctx context.Context, limit int) ([]*store.Epoch, error)
	GetEpoch(ctx context.Context, number uint64) (*store.Epoch, error)
	ListChallenges(ctx context.Context, limit int) ([]*store.Challenge, error)
	ContributionsByAddress(ctx context.Context, address string, limit int) ([]*store.Contribution, error)
	ContributionsForEpoch(ctx context.Context, epoch uint64) ([]*store.Contribution, error)
	MetricsByAddress(ctx context.Context, address string) ([]*store.EpochMetrics, error)
	MetricsForEpoch(ctx context.Context, epoch uint64) ([]*store.EpochMetrics, error)
	ProofsByAddress(ctx context.Context, address string, limit int) ([]*store.InferenceProof, error)
	ProofStatsByAddress(ctx context.Context, address string) (*store.ProofStats, error)
	GetNetworkStats(ctx context.Context) (*store.NetworkStats, error)
}

type ChainReader interface {
	CurrentEpoch(ctx context.Context) (uint64, error)
	PendingReward(ctx context.Context, address string) (*big.Int, error)
	AgentMeta(ctx context.Context, address string) (*chainclient.AgentMeta, error)
}

type Server struct {
	e        *echo.Echo
	ingestor *ingest.Ingestor
	pipeline *pipeline.Manager
	reader   StoreReader
	chain    ChainReader
	hub      *ws.Hub
	guard    *ingest.ReplayGuard

	freshnessWindow time.Duration
	now             func() time.Time
}

func NewServer(
	ingestor *ingest.Ingestor,
	pipelineManager *pipeline.Manager,
	reader StoreReader,
	chain ChainReader,
	hub *ws.Hub,
	guard *ingest.ReplayGuard,
	freshnessWindow time.Duration) *Server {
	e := echo.New()
	e.HideBanner = true
	s := &Server{
		e:               e,
		ingestor:        ingestor,
		pipeline:        pipelineManager,
		reader:          reader,
		chain:           chain,
		hub:             hub,
		guard:           guard,
		freshnessWindow: freshnessWindow,
		now:             time.Now,
	}

	e.Use(middleware.LoggingMiddleware)
	e.Use(echomw.CORS())

	api := e.Group("/api")
	api.POST("/metrics", s.postMetrics)
	api.POST("/nodes/register", s.postNodeRegister)
	api.GET("/nodes", s.getNodes)
	api.GET("/nodes/:address", s.getNode)
	api.GET("/agents", s.getAgents)
	api.GET("/agents/:address", s.getAgent)
	api.GET("/epochs", s.getEpochs)
	api.GET("/epochs/:number", s.getEpoch)
	api.GET("/challenges", s.getChallenges)
	api.GET("/rewards/:address", s.getRewards)
	api.GET("/formula", s.getFormula)
	api.GET("/stats", s.getStats)

	v1 := e.Group("/api/v1")
	v1.POST("/metrics/report", s.postMetrics)
	v1.GET("/metrics/:address", s.getMetrics)
	v1.GET("/leaderboard", s.getLeaderboard)
	v1.POST("/pipeline/register", s.postPipelineRegister)
	v1.POST("/pipeline/ready", s.postPipelineReady)
	v1.GET("/pipeline/topology", s.getTopology)
	v1.GET("/proofs/:address", s.getProofs)
	v1.GET("/proofs/:address/stats", s.getProofStats)

	e.GET("/pipeline", s.serveWebsocket)

	return s
}

func (s *Server) Start(addr string) {
	go func() {
		if err := s.e.Start(addr); err != nil && err != http.ErrServerClosed {
			logging.Error("Public server stopped", logging.Server, "error", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

// Echo exposes the router for handler tests.
func (s *Server) Echo() *echo.Echo {
	return s.e
}

func (s *Server) serveWebsocket(ctx echo.Context) error {
	return s.hub.ServeWs(ctx.Response(), ctx.Request())
}
